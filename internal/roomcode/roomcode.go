// Package roomcode 提供房间码与确定性抽取相关的纯函数，不做任何 I/O。
package roomcode

import (
	"crypto/rand"
	"fmt"
	mathrand "math/rand"
	"net/url"
	"strings"
	"unicode"
)

const (
	// CodeLength 房间码固定长度
	CodeLength = 6
	// Alphabet 去掉了 0/O 与 1/I 以减少抄写错误
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// MaxSeed 种子上限 (int32 正数范围)
	MaxSeed = 1<<31 - 1
	// NoWinner 列表为空时 SeededPick 的返回值
	NoWinner = -1
	// MaxNameLength 显示名最大长度 (按字符计)
	MaxNameLength = 24

	// RoomParam 分享链接中携带房间码的查询参数
	RoomParam = "room"
	// NameParam 分享链接中预填显示名的查询参数
	NameParam = "name"
)

// GenerateRoomCode 生成一个随机房间码。碰撞由调用方负责重试。
func GenerateRoomCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("roomcode: failed to generate random bytes: %w", err)
	}
	for i := range b {
		b[i] = Alphabet[int(b[i])%len(Alphabet)]
	}
	return string(b), nil
}

// NormalizeRoomCode 转大写、去掉非字母数字字符并截断到固定长度。幂等。
func NormalizeRoomCode(input string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(input) {
		if sb.Len() >= CodeLength {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ValidRoomCode 判断规范化后的房间码是否完整
func ValidRoomCode(code string) bool {
	return len(code) == CodeLength && NormalizeRoomCode(code) == code
}

// ExtractRoomCode 接受裸房间码或完整分享链接。
// 链接中带 room 参数时取该参数，否则直接规范化原始输入。不会失败。
func ExtractRoomCode(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.Contains(trimmed, "?") || strings.Contains(trimmed, "://") {
		if u, err := url.Parse(trimmed); err == nil {
			if v := u.Query().Get(RoomParam); v != "" {
				return NormalizeRoomCode(v)
			}
		}
	}
	return NormalizeRoomCode(trimmed)
}

// ShareLink 基于 baseURL 构造分享链接，name 为空时不带预填参数
func ShareLink(baseURL, code, name string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("roomcode: invalid base url %q: %w", baseURL, err)
	}
	q := u.Query()
	q.Set(RoomParam, NormalizeRoomCode(code))
	if n := NormalizeDisplayName(name); n != "" {
		q.Set(NameParam, n)
	} else {
		q.Del(NameParam)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NormalizeDisplayName 去除首尾空白、合并连续空白并截断到 MaxNameLength
func NormalizeDisplayName(input string) string {
	name := strings.Join(strings.Fields(input), " ")
	runes := []rune(name)
	if len(runes) > MaxNameLength {
		name = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	return name
}

// GenerateSeed 返回 [1, MaxSeed] 范围内的种子。不要求密码学安全。
func GenerateSeed() int64 {
	return mathrand.Int63n(MaxSeed) + 1
}

// SeededPick 用 mulberry32 从 seed 推导出 [0, count) 内的下标。
// 同样的 (seed, count) 在任何机器上都得到同样的结果；count <= 0 时返回 NoWinner。
func SeededPick(seed int64, count int) int {
	if count <= 0 {
		return NoWinner
	}
	r := mulberry32(uint32(seed))
	return int(uint64(r) * uint64(count) >> 32)
}

// mulberry32 单步输出，32 位无符号运算
func mulberry32(seed uint32) uint32 {
	t := seed + 0x6D2B79F5
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return t ^ (t >> 14)
}
