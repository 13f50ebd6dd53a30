package delivery

import "testing"

func TestClassifyStatus_Table(t *testing.T) {
	cases := []struct {
		status int
		want   Outcome
	}{
		{0, OutcomeTransient},
		{200, OutcomeSuccess},
		{201, OutcomeSuccess},
		{299, OutcomeSuccess},
		{301, OutcomePermanent},
		{400, OutcomePermanent},
		{404, OutcomePermanent},
		{408, OutcomeTransient},
		{425, OutcomeTransient},
		{429, OutcomeTransient},
		{499, OutcomePermanent},
		{500, OutcomeTransient},
		{502, OutcomeTransient},
		{503, OutcomeTransient},
		{599, OutcomeTransient},
	}

	for _, c := range cases {
		if got := classifyStatus(c.status); got != c.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}
