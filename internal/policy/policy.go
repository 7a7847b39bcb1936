// Package policy decides who may call what. It authenticates tokens (boss
// hash first, then agent lookup), resolves the minimum permission level for
// a method from the built-in table plus the permission_policy overlay, and
// compares levels on the restricted < standard < privileged < boss lattice.
package policy

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hiboss/hi-boss/internal/persistence"
)

// bossTokenDomain separates the boss-token digest from any other HMAC use
// of the same secret.
const bossTokenDomain = "hiboss.boss-token.v1"

// HashBossToken produces the digest stored under boss_token_hash. The raw
// boss token itself is never persisted.
func HashBossToken(token string) string {
	mac := hmac.New(sha256.New, []byte(bossTokenDomain))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func matchBossToken(token, storedHash string) bool {
	return storedHash != "" && hmac.Equal([]byte(HashBossToken(token)), []byte(storedHash))
}

// NewToken mints a bearer token. The hb_ prefix is what the redaction layer
// keys on, so minted tokens never survive into logs.
func NewToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return "hb_" + hex.EncodeToString(b[:]), nil
}

// Principal is an authenticated caller.
type Principal struct {
	Boss  bool
	Agent string // agent name; empty for the boss
	Level persistence.PermissionLevel
}

func (p *Principal) String() string {
	if p.Boss {
		return "boss"
	}
	return "agent:" + p.Agent
}

// AuthError is any authentication or authorization failure. The gateway
// maps it to the Unauthorized RPC code.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

var (
	errSetupRequired = &AuthError{Reason: "Setup not complete"}
	errInvalidToken  = &AuthError{Reason: "Invalid token"}
)

// Document is the permission_policy overlay: method name → minimum level.
// Entries override the built-in table per method; methods absent from both
// require boss.
type Document map[string]persistence.PermissionLevel

// defaultTable is the built-in method → minimum level mapping. Methods not
// listed here (or in the overlay) require boss.
var defaultTable = Document{
	"envelope.send": persistence.LevelRestricted,
	"envelope.list": persistence.LevelRestricted,
	"agent.list":    persistence.LevelRestricted,
	"agent.status":  persistence.LevelRestricted,

	"daemon.ping": persistence.LevelStandard,

	"agent.bind":               persistence.LevelPrivileged,
	"agent.unbind":             persistence.LevelPrivileged,
	"agent.set":                persistence.LevelPrivileged,
	"agent.session-policy.set": persistence.LevelPrivileged,

	"daemon.start":   persistence.LevelBoss,
	"daemon.stop":    persistence.LevelBoss,
	"daemon.status":  persistence.LevelBoss,
	"agent.register": persistence.LevelBoss,
	"agent.refresh":  persistence.LevelBoss,
	"agent.abort":    persistence.LevelBoss,
}

const documentSchemaJSON = `{
	"type": "object",
	"propertyNames": { "pattern": "^[a-z][a-z0-9.-]*$" },
	"additionalProperties": {
		"enum": ["restricted", "standard", "privileged", "boss"]
	}
}`

var compileDocumentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal policy schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.json", doc); err != nil {
		return nil, fmt.Errorf("add policy schema resource: %w", err)
	}
	return c.Compile("policy.json")
})

// ParseDocument validates raw against the policy schema and decodes it. An
// empty string is the empty overlay.
func ParseDocument(raw string) (Document, error) {
	if strings.TrimSpace(raw) == "" {
		return Document{}, nil
	}
	schema, err := compileDocumentSchema()
	if err != nil {
		return nil, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("permission policy is not valid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("permission policy rejected: %w", err)
	}
	var d Document
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decode permission policy: %w", err)
	}
	return d, nil
}

// Authorizer authenticates tokens against the store and gates methods on
// permission levels. The overlay document is cached; Reload picks up
// config changes.
type Authorizer struct {
	store *persistence.Store

	mu       sync.RWMutex
	overlay  Document
	document string // raw JSON the overlay was parsed from
}

// NewAuthorizer loads the permission_policy overlay from config. A missing
// or empty key means the built-in table alone.
func NewAuthorizer(ctx context.Context, store *persistence.Store) (*Authorizer, error) {
	a := &Authorizer{store: store, overlay: Document{}}
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the permission_policy config key. On parse failure the
// previous overlay stays active.
func (a *Authorizer) Reload(ctx context.Context) error {
	raw, err := a.store.GetConfigDefault(ctx, persistence.ConfigKeyPolicy, "")
	if err != nil {
		return fmt.Errorf("load permission policy: %w", err)
	}
	overlay, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.overlay = overlay
	a.document = raw
	a.mu.Unlock()
	return nil
}

// RequiredLevel resolves the minimum level for a method: overlay first,
// then the built-in table, then boss.
func (a *Authorizer) RequiredLevel(method string) persistence.PermissionLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if level, ok := a.overlay[method]; ok {
		return level
	}
	if level, ok := defaultTable[method]; ok {
		return level
	}
	return persistence.LevelBoss
}

// Version is a short fingerprint of the active overlay, reported by
// daemon.status so policy drift between hosts is visible.
func (a *Authorizer) Version() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	methods := make([]string, 0, len(a.overlay))
	for m := range a.overlay {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	h := fnv.New64a()
	for _, m := range methods {
		_, _ = h.Write([]byte(m + "=" + string(a.overlay[m]) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// Authenticate resolves a token to a principal without any level gate:
// boss hash first, then exact agent token match.
func (a *Authorizer) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, errInvalidToken
	}
	storedHash, err := a.store.GetConfigDefault(ctx, persistence.ConfigKeyBossTokenHash, "")
	if err != nil {
		return nil, fmt.Errorf("load boss token hash: %w", err)
	}
	if matchBossToken(token, storedHash) {
		return &Principal{Boss: true, Level: persistence.LevelBoss}, nil
	}
	agent, err := a.store.GetAgentByToken(ctx, token)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, errInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &Principal{Agent: agent.Name, Level: agent.PermissionLevel}, nil
}

// Authorize runs the full chain for one call: setup gate (setup.* exempt),
// authentication, then the level comparison.
func (a *Authorizer) Authorize(ctx context.Context, method, token string) (*Principal, error) {
	if !strings.HasPrefix(method, "setup.") {
		done, err := a.store.SetupCompleted(ctx)
		if err != nil {
			return nil, fmt.Errorf("read setup state: %w", err)
		}
		if !done {
			return nil, errSetupRequired
		}
	}
	principal, err := a.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	required := a.RequiredLevel(method)
	if principal.Level.Rank() < required.Rank() {
		return nil, &AuthError{Reason: fmt.Sprintf("Access denied: %s requires %s", method, required)}
	}
	return principal, nil
}
