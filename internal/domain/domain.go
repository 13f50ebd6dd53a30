// Package domain defines the wire- and store-independent entities shared by
// every pipeline stage (§3 of the source specification).
package domain

import "time"

// Chain is a configured EVM chain. Immutable during a process lifetime.
type Chain struct {
	ChainID     uint64
	WSURL       string
	HTTPURL     string
	DisplayName string
}

// LogIdentity is the dedup key: (chain_id, block_hash, tx_hash, log_index).
// Any two RawLogs with equal identity must have equal content modulo Removed.
type LogIdentity struct {
	ChainID   uint64
	BlockHash [32]byte
	TxHash    [32]byte
	LogIndex  uint32
}

// RawLog is a canonical, decoded blockchain log event. Produced by the
// ingestor from provider frames, consumed by the processor, persisted by
// the event store.
type RawLog struct {
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       [32]byte
	TxHash          [32]byte
	LogIndex        uint32
	ContractAddress [20]byte
	Topics          [][32]byte // 0-4 entries; Topics[0] is the event signature
	Data            []byte
	Removed         bool
}

// Identity returns the log's dedup key.
func (r RawLog) Identity() LogIdentity {
	return LogIdentity{
		ChainID:   r.ChainID,
		BlockHash: r.BlockHash,
		TxHash:    r.TxHash,
		LogIndex:  r.LogIndex,
	}
}

// Topic0 returns the event signature topic, or the zero value if the log
// carries no topics (anonymous events).
func (r RawLog) Topic0() [32]byte {
	if len(r.Topics) == 0 {
		return [32]byte{}
	}
	return r.Topics[0]
}

// Endpoint is a user-registered webhook subscription: filter criteria plus
// delivery controls. Created/updated/deleted via the (out-of-scope) admin
// API; the pipeline only ever reads it.
type Endpoint struct {
	EndpointID          string
	ApplicationID       string
	UserID              string
	WebhookURL          string
	HMACSecret          string
	ChainIDs            map[uint64]struct{}
	ContractAddresses   map[[20]byte]struct{} // empty set = match all contracts
	EventSignatures     map[[32]byte]struct{} // empty set = match all topic0s
	IsActive            bool
	RateLimitPerMinute  int
	MaxRetries          int
	// MatchAllTopics is an inert forward-compatibility knob (Open Question 3
	// in the source spec): when true a future processor revision could widen
	// matching to all four topic slots instead of topic0 only. Always false
	// in this implementation; topic0-only matching is the spec's stated
	// current default, not something this knob changes.
	MatchAllTopics bool
}

// MatchesChainAndContract implements the first half of §4.2's
// endpoints_matching predicate; the topic0 half is applied by the processor
// (C5) because that comparison is cheaper in-process than indexed in SQL.
func (e Endpoint) MatchesChainAndContract(chainID uint64, contractAddress [20]byte) bool {
	if !e.IsActive {
		return false
	}
	if _, ok := e.ChainIDs[chainID]; !ok {
		return false
	}
	if len(e.ContractAddresses) == 0 {
		return true
	}
	_, ok := e.ContractAddresses[contractAddress]
	return ok
}

// MatchesTopic0 implements §4.4 step 3: an empty EventSignatures set matches
// everything; otherwise topic0 must be a member.
func (e Endpoint) MatchesTopic0(topic0 [32]byte) bool {
	if len(e.EventSignatures) == 0 {
		return true
	}
	_, ok := e.EventSignatures[topic0]
	return ok
}

// DeliveryJob is one webhook delivery attempt in waiting. Created by the
// processor, terminal when delivery succeeds or retries are exhausted.
type DeliveryJob struct {
	JobID            string
	EventFingerprint string
	EndpointID       string
	Attempt          uint32 // 1-indexed
	Payload          RawLog
	NotBefore        time.Time
}

// DeliveryRecord is appended by the delivery stage on every attempt.
type DeliveryRecord struct {
	JobID       string
	EndpointID  string
	Attempt     uint32
	HTTPStatus  int
	LatencyMS   int64
	ErrorKind   string
	FinalizedAt time.Time
	Success     bool
}

// CircuitBreakerState is the per-process, per-endpoint circuit state. Never
// authoritative across instances. It is not persisted or rebuilt from
// history: every breaker starts closed when the process starts.
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half_open"
)
