// Package idgen 生成可排序的唯一 ID
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID 返回按时间单调递增的 ULID 字符串
func NewULID() string {
	return NewULIDAt(time.Now())
}

// NewULIDAt 以给定时间为时间戳部分生成 ULID
func NewULIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}
