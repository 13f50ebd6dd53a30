package bus

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ipcasj/ethhook-sub004/internal/domain"
)

// RawLogStream is the stream name for a chain's canonical event stream,
// per §6: "events:{chain_id}".
func RawLogStream(chainID uint64) string {
	return fmt.Sprintf("events:%d", chainID)
}

// DeliveryStream is the stream name for a delivery shard, per §6:
// "deliveries:{shard}".
func DeliveryStream(shard int) string {
	return fmt.Sprintf("deliveries:%d", shard)
}

func hexEncode(b []byte) string { return "0x" + hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// EncodeRawLog serializes a RawLog (plus the metadata §6 requires on the
// events:{chain_id} stream: published_at) into Redis stream fields.
func EncodeRawLog(log domain.RawLog, publishedAt time.Time) map[string]interface{} {
	topics := make([]string, len(log.Topics))
	for i, t := range log.Topics {
		topics[i] = hexEncode(t[:])
	}

	return map[string]interface{}{
		"chain_id":         strconv.FormatUint(log.ChainID, 10),
		"block_number":     strconv.FormatUint(log.BlockNumber, 10),
		"block_hash":       hexEncode(log.BlockHash[:]),
		"tx_hash":          hexEncode(log.TxHash[:]),
		"log_index":        strconv.FormatUint(uint64(log.LogIndex), 10),
		"contract_address": hexEncode(log.ContractAddress[:]),
		"topics":           strings.Join(topics, ","),
		"data":             hexEncode(log.Data),
		"removed":          strconv.FormatBool(log.Removed),
		"published_at":     strconv.FormatInt(publishedAt.UnixNano(), 10),
	}
}

func fieldString(fields map[string]interface{}, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("bus: missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("bus: field %q has non-string value %v", key, v)
	}
	return s, nil
}

// DecodeRawLog is the inverse of EncodeRawLog. Any malformed field is a
// Decode-kind error: the caller should drop the record, ack it, and count a
// metric, per §4.4 step 1 and §7.
func DecodeRawLog(fields map[string]interface{}) (domain.RawLog, time.Time, error) {
	var log domain.RawLog
	var publishedAt time.Time

	chainID, err := fieldString(fields, "chain_id")
	if err != nil {
		return log, publishedAt, err
	}
	log.ChainID, err = strconv.ParseUint(chainID, 10, 64)
	if err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode chain_id: %w", err)
	}

	blockNumber, err := fieldString(fields, "block_number")
	if err != nil {
		return log, publishedAt, err
	}
	log.BlockNumber, err = strconv.ParseUint(blockNumber, 10, 64)
	if err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode block_number: %w", err)
	}

	blockHash, err := fieldString(fields, "block_hash")
	if err != nil {
		return log, publishedAt, err
	}
	if err := decodeFixed(blockHash, log.BlockHash[:]); err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode block_hash: %w", err)
	}

	txHash, err := fieldString(fields, "tx_hash")
	if err != nil {
		return log, publishedAt, err
	}
	if err := decodeFixed(txHash, log.TxHash[:]); err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode tx_hash: %w", err)
	}

	logIndex, err := fieldString(fields, "log_index")
	if err != nil {
		return log, publishedAt, err
	}
	logIndexVal, err := strconv.ParseUint(logIndex, 10, 32)
	if err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode log_index: %w", err)
	}
	log.LogIndex = uint32(logIndexVal)

	contractAddress, err := fieldString(fields, "contract_address")
	if err != nil {
		return log, publishedAt, err
	}
	if err := decodeFixed(contractAddress, log.ContractAddress[:]); err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode contract_address: %w", err)
	}

	topicsField, err := fieldString(fields, "topics")
	if err != nil {
		return log, publishedAt, err
	}
	if topicsField != "" {
		parts := strings.Split(topicsField, ",")
		log.Topics = make([][32]byte, len(parts))
		for i, p := range parts {
			if err := decodeFixed(p, log.Topics[i][:]); err != nil {
				return log, publishedAt, fmt.Errorf("bus: decode topics[%d]: %w", i, err)
			}
		}
	}

	dataField, err := fieldString(fields, "data")
	if err != nil {
		return log, publishedAt, err
	}
	log.Data, err = hexDecode(dataField)
	if err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode data: %w", err)
	}

	removed, err := fieldString(fields, "removed")
	if err != nil {
		return log, publishedAt, err
	}
	log.Removed, err = strconv.ParseBool(removed)
	if err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode removed: %w", err)
	}

	publishedAtField, err := fieldString(fields, "published_at")
	if err != nil {
		return log, publishedAt, err
	}
	nanos, err := strconv.ParseInt(publishedAtField, 10, 64)
	if err != nil {
		return log, publishedAt, fmt.Errorf("bus: decode published_at: %w", err)
	}
	publishedAt = time.Unix(0, nanos)

	return log, publishedAt, nil
}

func decodeFixed(s string, dst []byte) error {
	b, err := hexDecode(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// EncodeDeliveryJob serializes a DeliveryJob for the deliveries:{shard}
// stream, per §6's field list.
func EncodeDeliveryJob(job domain.DeliveryJob) map[string]interface{} {
	fields := EncodeRawLog(job.Payload, time.Time{})
	fields["job_id"] = job.JobID
	fields["event_fingerprint"] = job.EventFingerprint
	fields["endpoint_id"] = job.EndpointID
	fields["attempt"] = strconv.FormatUint(uint64(job.Attempt), 10)
	fields["not_before"] = strconv.FormatInt(job.NotBefore.UnixNano(), 10)
	return fields
}

// DecodeDeliveryJob is the inverse of EncodeDeliveryJob.
func DecodeDeliveryJob(fields map[string]interface{}) (domain.DeliveryJob, error) {
	var job domain.DeliveryJob

	payload, _, err := DecodeRawLog(fields)
	if err != nil {
		return job, fmt.Errorf("bus: decode delivery job payload: %w", err)
	}
	job.Payload = payload

	jobID, err := fieldString(fields, "job_id")
	if err != nil {
		return job, err
	}
	job.JobID = jobID

	fingerprint, err := fieldString(fields, "event_fingerprint")
	if err != nil {
		return job, err
	}
	job.EventFingerprint = fingerprint

	endpointID, err := fieldString(fields, "endpoint_id")
	if err != nil {
		return job, err
	}
	job.EndpointID = endpointID

	attempt, err := fieldString(fields, "attempt")
	if err != nil {
		return job, err
	}
	attemptVal, err := strconv.ParseUint(attempt, 10, 32)
	if err != nil {
		return job, fmt.Errorf("bus: decode attempt: %w", err)
	}
	job.Attempt = uint32(attemptVal)

	notBefore, err := fieldString(fields, "not_before")
	if err != nil {
		return job, err
	}
	nanos, err := strconv.ParseInt(notBefore, 10, 64)
	if err != nil {
		return job, fmt.Errorf("bus: decode not_before: %w", err)
	}
	job.NotBefore = time.Unix(0, nanos)

	return job, nil
}
