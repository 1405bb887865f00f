package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// GenerateID 生成基于时间戳的ID
func GenerateID() int64 {
	return time.Now().UnixNano()
}

// NewSessionID 生成会话ID：时间戳加随机后缀
func NewSessionID() string {
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return strconv.FormatInt(GenerateID(), 36)
	}
	return strconv.FormatInt(GenerateID(), 36) + hex.EncodeToString(suffix[:])
}
