package roomcode_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoomCode_UsesAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := roomcode.GenerateRoomCode()
		require.NoError(t, err)
		assert.Len(t, code, roomcode.CodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(roomcode.Alphabet, r), "字符 %q 不应出现在房间码中", r)
		}
		assert.True(t, roomcode.ValidRoomCode(code))
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	cases := map[string]string{
		"ab-12!":      "AB12",
		"AB12":        "AB12",
		"  xy z 9 8 ": "XYZ98",
		"abcdefghij":  "ABCDEF",
		"":            "",
		"ñañ--42":     "A42",
	}
	for in, want := range cases {
		got := roomcode.NormalizeRoomCode(in)
		assert.Equal(t, want, got, "input %q", in)
		// 幂等
		assert.Equal(t, got, roomcode.NormalizeRoomCode(got), "normalize 应当幂等: %q", in)
	}
	assert.Equal(t, roomcode.NormalizeRoomCode("ab-12!"), roomcode.NormalizeRoomCode("AB12"))
}

func TestExtractRoomCode(t *testing.T) {
	fromLink := roomcode.ExtractRoomCode("https://x/?room=ab12&other=1")
	fromRaw := roomcode.ExtractRoomCode("ab12")
	assert.Equal(t, "AB12", fromLink)
	assert.Equal(t, fromRaw, fromLink)

	// 非法链接退化为直接规范化原始字符串，不会 panic
	assert.Equal(t, "HTTPZZ", roomcode.ExtractRoomCode("http://%zz?room"))
	assert.Equal(t, "K7M2QP", roomcode.ExtractRoomCode(" k7m2qp "))
	assert.Equal(t, "K7M2QP", roomcode.ExtractRoomCode("eatspin.app/join?room=k7m-2qp&name=Ann"))
}

func TestShareLink_RoundTrip(t *testing.T) {
	link, err := roomcode.ShareLink("https://eatspin.app/group", "k7m2qp", "  Ann   Lee ")
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "K7M2QP", u.Query().Get(roomcode.RoomParam))
	assert.Equal(t, "Ann Lee", u.Query().Get(roomcode.NameParam))
	assert.Equal(t, "K7M2QP", roomcode.ExtractRoomCode(link))

	link, err = roomcode.ShareLink("https://eatspin.app/group?name=old", "K7M2QP", "")
	require.NoError(t, err)
	assert.NotContains(t, link, "name=")
}

func TestNormalizeDisplayName(t *testing.T) {
	assert.Equal(t, "Ann Lee", roomcode.NormalizeDisplayName("  Ann \t\n Lee  "))
	assert.Equal(t, "", roomcode.NormalizeDisplayName("   "))

	long := strings.Repeat("好", 30)
	got := roomcode.NormalizeDisplayName(long)
	assert.Equal(t, roomcode.MaxNameLength, len([]rune(got)))
}

func TestGenerateSeed_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		s := roomcode.GenerateSeed()
		assert.True(t, s >= 1 && s <= roomcode.MaxSeed, "seed %d 越界", s)
	}
}

func TestSeededPick_Deterministic(t *testing.T) {
	// 固定值：与其他平台上的 mulberry32 实现保持一致
	assert.Equal(t, 6, roomcode.SeededPick(1, 10))
	assert.Equal(t, 4, roomcode.SeededPick(42, 7))
	assert.Equal(t, 0, roomcode.SeededPick(123456789, 3))
	assert.Equal(t, 17, roomcode.SeededPick(2147483647, 40))
	assert.Equal(t, 1, roomcode.SeededPick(0, 5))

	for seed := int64(1); seed < 500; seed++ {
		for n := 1; n < 12; n++ {
			first := roomcode.SeededPick(seed, n)
			assert.Equal(t, first, roomcode.SeededPick(seed, n))
			assert.True(t, first >= 0 && first < n)
		}
	}
}

func TestSeededPick_NoItems(t *testing.T) {
	assert.Equal(t, roomcode.NoWinner, roomcode.SeededPick(99, 0))
	assert.Equal(t, roomcode.NoWinner, roomcode.SeededPick(99, -3))
}
