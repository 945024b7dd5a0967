package idgen

import (
	"fmt"
	"sync"
	"time"
)

// Snowflake layout, 64 bits:
//
//	0 | 41-bit ms timestamp | 10-bit worker id | 12-bit sequence
const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Business prefixes for human-facing numbers.
const (
	PrefixOrder       = "ORD"
	PrefixTopUp       = "TOP"
	PrefixTransaction = "TXN"
	PrefixRefund      = "REF"
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("idgen: worker id must be within 0-%d", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

var (
	defaultGenerator = &Snowflake{workerID: 1}
	initOnce         sync.Once
)

// Init sets the worker id of the package-level generator. Only the first call wins.
func Init(workerID int64) error {
	var err error
	initOnce.Do(func() {
		var g *Snowflake
		g, err = NewSnowflake(workerID)
		if err == nil {
			defaultGenerator = g
		}
	})
	return err
}

func NextID() int64 {
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// sequence exhausted for this millisecond
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// generate formats prefix + yyyyMMddHHmmss + the full snowflake id.
func generate(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, time.Now().UTC().Format("20060102150405"), NextID())
}

// GenerateOrderNo, e.g. ORD20240115143052123456789012345
func GenerateOrderNo() string { return generate(PrefixOrder) }

func GenerateTopUpNo() string { return generate(PrefixTopUp) }

func GenerateTransactionNo() string { return generate(PrefixTransaction) }

func GenerateRefundNo() string { return generate(PrefixRefund) }
