package session

import (
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// EnvKeys are consulted in order when no session id is given.
var EnvKeys = []string{"CTXD_SESSION_ID", "CODEX_THREAD_ID", "CODEX_SESSION_ID", "SESSION_ID", "TERM_SESSION_ID"}

// MaxSlugLen bounds slugs used for refs, branches and directories.
const MaxSlugLen = 48

// ResolveID returns explicit, else the first set env key, else a
// generated manual id.
func ResolveID(explicit string, getenv func(string) string, now time.Time) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, k := range EnvKeys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return "manual-" + now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Slug maps a session id onto [a-z0-9._-]. Long ids are truncated and
// suffixed with a hash so distinct ids stay distinct.
func Slug(id string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(id) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-'
		if !ok || r == '-' {
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = true
			continue
		}
		b.WriteRune(r)
		dash = false
	}
	slug := strings.Trim(b.String(), "-.")
	if slug == "" {
		slug = "session"
	}
	if len(slug) <= MaxSlugLen {
		return slug
	}
	sum := blake3.Sum256([]byte(id))
	suffix := hex.EncodeToString(sum[:])[:10]
	return strings.TrimRight(slug[:MaxSlugLen-len(suffix)-1], "-.") + "-" + suffix
}
