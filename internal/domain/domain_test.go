package domain

import "testing"

func TestEndpoint_MatchesChainAndContract(t *testing.T) {
	addrA := [20]byte{0xAA}
	addrB := [20]byte{0xBB}

	e := Endpoint{
		IsActive:          true,
		ChainIDs:          map[uint64]struct{}{1: {}},
		ContractAddresses: map[[20]byte]struct{}{addrA: {}},
	}

	if !e.MatchesChainAndContract(1, addrA) {
		t.Fatal("expected match on configured chain+contract")
	}
	if e.MatchesChainAndContract(1, addrB) {
		t.Fatal("must not match an unconfigured contract")
	}
	if e.MatchesChainAndContract(2, addrA) {
		t.Fatal("must not match an unconfigured chain")
	}

	e.IsActive = false
	if e.MatchesChainAndContract(1, addrA) {
		t.Fatal("an inactive endpoint must never match")
	}
}

func TestEndpoint_EmptyContractSetMatchesAll(t *testing.T) {
	e := Endpoint{
		IsActive: true,
		ChainIDs: map[uint64]struct{}{1: {}},
	}
	if !e.MatchesChainAndContract(1, [20]byte{0x01}) {
		t.Fatal("empty ContractAddresses must match any contract on a configured chain")
	}
}

func TestEndpoint_MatchesTopic0(t *testing.T) {
	sig := [32]byte{0xDD, 0xF2}
	other := [32]byte{0x01}

	e := Endpoint{EventSignatures: map[[32]byte]struct{}{sig: {}}}
	if !e.MatchesTopic0(sig) {
		t.Fatal("expected topic0 match")
	}
	if e.MatchesTopic0(other) {
		t.Fatal("unconfigured topic0 must not match")
	}

	e.EventSignatures = nil
	if !e.MatchesTopic0(other) {
		t.Fatal("empty EventSignatures must match any topic0")
	}
}

func TestRawLog_Identity(t *testing.T) {
	a := RawLog{ChainID: 1, BlockHash: [32]byte{1}, TxHash: [32]byte{2}, LogIndex: 3}
	b := RawLog{ChainID: 1, BlockHash: [32]byte{1}, TxHash: [32]byte{2}, LogIndex: 3, Data: []byte("different")}

	if a.Identity() != b.Identity() {
		t.Fatal("identity must depend only on chain_id/block_hash/tx_hash/log_index")
	}

	c := RawLog{ChainID: 1, BlockHash: [32]byte{1}, TxHash: [32]byte{2}, LogIndex: 4}
	if a.Identity() == c.Identity() {
		t.Fatal("differing log_index must yield differing identity")
	}
}

func TestRawLog_Topic0EmptyWhenNoTopics(t *testing.T) {
	r := RawLog{}
	if r.Topic0() != ([32]byte{}) {
		t.Fatal("expected zero-value topic0 for an anonymous log")
	}
}
