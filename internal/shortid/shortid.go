package shortid

import (
	"crypto/rand"
	"math/big"
)

// charset is lowercase alphanumeric only (base36) because workspace ids show
// up in NFS export paths and container labels; keep them shell- and
// DNS-friendly.
const charset = "0123456789abcdefghijklmnopqrstuvwxyz"

// Generate returns a cryptographically random base36 string of length n.
func Generate(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("shortid: crypto/rand failed: " + err.Error())
		}
		b[i] = charset[v.Int64()]
	}
	return string(b)
}

// Workspace returns a new workspace id, e.g. "ws-4kq1z8m2".
func Workspace() string { return "ws-" + Generate(8) }

// Sandbox returns a new sandbox id, e.g. "sbx-9aq0v2xk".
func Sandbox() string { return "sbx-" + Generate(8) }

// PTY returns a new PTY session id, e.g. "pty-7h2mc0q1".
func PTY() string { return "pty-" + Generate(8) }

// Token returns a 32-character secret suitable for agent authentication.
func Token() string { return Generate(32) }
