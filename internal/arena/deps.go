package arena

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// cryptoRandom draws from crypto/rand so room codes are not guessable.
type cryptoRandom struct{}

func (cryptoRandom) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func (r cryptoRandom) String(length int, alphabet string) string {
	if length <= 0 || alphabet == "" {
		return ""
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// jsonUnmarshal tolerates an absent payload: events may legally omit it,
// leaving the target at its zero value.
func jsonUnmarshal(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
