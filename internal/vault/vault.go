// Package vault stores per-tenant credential bundles on disk, each value
// sealed independently, with a short read cache.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/and161185/keyward/internal/crypto/vaultcipher"
	"github.com/and161185/keyward/internal/obs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultPassphrase is used when no passphrase is configured.
// Anyone holding the source can decrypt bundles written under it; never use it in production.
const DefaultPassphrase = "default-dev-key-change-in-prod"

const (
	credentialsFile = "credentials.json"
	algorithm       = "aes-256-gcm"

	keyEncrypted = "_encrypted"
	keyMetadata  = "_metadata"

	// DefaultCacheTTL bounds how stale a cached bundle may get.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultPrimaryTenant is the platform's own account.
	DefaultPrimaryTenant = "agency_internal"
)

// EnvFallbackKeys are read from process configuration when the primary tenant has no bundle.
var EnvFallbackKeys = []string{
	"HUBSPOT_ACCESS_TOKEN",
	"HUBSPOT_API_KEY",
	"SHOPIFY_ACCESS_TOKEN",
	"SHOPIFY_SHOP_NAME",
	"KLAVIYO_API_KEY",
	"GOOGLE_CLIENT_ID",
	"GOOGLE_CLIENT_SECRET",
	"GOOGLE_REFRESH_TOKEN",
	"SLACK_WEBHOOK_URL",
	"TWILIO_ACCOUNT_SID",
	"TWILIO_AUTH_TOKEN",
	"TWILIO_PHONE_NUMBER",
	"XAI_API_KEY",
	"GOOGLE_GENERATIVE_AI_API_KEY",
}

// ErrInvalidTenant is returned for tenant ids that are not a single safe path element.
var ErrInvalidTenant = errors.New("vault: invalid tenant id")

// Bundle maps credential keys to values.
type Bundle map[string]string

// Requirement is the result of CheckRequired.
type Requirement struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

// Health summarizes the vault contents without exposing values.
type Health struct {
	Dir           string         `json:"dir"`
	Tenants       int            `json:"tenants"`
	Credentials   map[string]int `json:"credentials"`
	PrimaryTenant string         `json:"primary_tenant"`
	EnvFallback   bool           `json:"env_fallback"`
	DefaultKey    bool           `json:"default_key"`
}

// Options configures a Vault.
type Options struct {
	Dir           string
	Passphrase    string
	PrimaryTenant string
	CacheTTL      time.Duration
	Getenv        func(string) string
	Now           func() time.Time
	Logger        *zap.Logger
}

type cacheEntry struct {
	bundle   Bundle
	loadedAt time.Time
}

// Vault is safe for concurrent use. Writes to the same tenant are last-write-wins.
type Vault struct {
	dir        string
	primary    string
	ttl        time.Duration
	cipher     *vaultcipher.Cipher
	getenv     func(string) string
	now        func() time.Time
	log        *zap.Logger
	defaultKey bool

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// gen counts invalidations per tenant; a load only caches if it is unchanged.
	gen   map[string]uint64
	group singleflight.Group
}

// New builds a Vault. An empty passphrase falls back to DefaultPassphrase with a warning.
func New(opts Options) (*Vault, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Dir == "" {
		opts.Dir = "clients"
	}
	if opts.PrimaryTenant == "" {
		opts.PrimaryTenant = DefaultPrimaryTenant
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	defaultKey := opts.Passphrase == ""
	if defaultKey {
		opts.Passphrase = DefaultPassphrase
		log.Warn("vault passphrase not configured, using built-in default key; stored credentials are NOT protected",
			zap.String("dir", opts.Dir))
	}
	c, err := vaultcipher.New(opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{
		dir:        opts.Dir,
		primary:    opts.PrimaryTenant,
		ttl:        opts.CacheTTL,
		cipher:     c,
		getenv:     opts.Getenv,
		now:        opts.Now,
		log:        log,
		defaultKey: defaultKey,
		cache:      make(map[string]cacheEntry),
		gen:        make(map[string]uint64),
	}, nil
}

// Dir returns the base directory.
func (v *Vault) Dir() string { return v.dir }

// validTenant reports whether id is usable as a directory name under the base dir.
func validTenant(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

func (v *Vault) path(tenantID string) string {
	return filepath.Join(v.dir, tenantID, credentialsFile)
}

// Load returns the tenant's bundle. A missing or unreadable tenant yields an empty bundle.
func (v *Vault) Load(tenantID string) Bundle {
	if !validTenant(tenantID) {
		return Bundle{}
	}
	now := v.now()
	v.mu.RLock()
	e, ok := v.cache[tenantID]
	gen := v.gen[tenantID]
	v.mu.RUnlock()
	if ok && now.Sub(e.loadedAt) < v.ttl {
		return clone(e.bundle)
	}

	// Loads that start after a Save never join a read begun before it.
	key := tenantID + "\x00" + strconv.FormatUint(gen, 10)
	res, _, _ := v.group.Do(key, func() (any, error) {
		b := v.readDisk(tenantID)
		if len(b) == 0 && tenantID == v.primary {
			b = v.envFallback()
		}
		v.mu.Lock()
		if v.gen[tenantID] == gen {
			v.cache[tenantID] = cacheEntry{bundle: b, loadedAt: v.now()}
		}
		v.mu.Unlock()
		return b, nil
	})
	return clone(res.(Bundle))
}

// readDisk decodes the persisted bundle. Faults degrade to absent values.
func (v *Vault) readDisk(tenantID string) Bundle {
	data, err := os.ReadFile(v.path(tenantID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			v.log.Error("vault read failed", zap.String("tenant", tenantID), zap.Error(err))
		}
		return Bundle{}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		v.log.Error("vault bundle is not valid JSON", zap.String("tenant", tenantID), zap.Error(err))
		return Bundle{}
	}

	encrypted, _ := raw[keyEncrypted].(bool)
	out := make(Bundle, len(raw))
	for k, val := range raw {
		if k == keyEncrypted || k == keyMetadata {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		if !encrypted {
			out[k] = s
			continue
		}
		pt, err := v.cipher.Open(s)
		if err != nil {
			obs.VaultDecryptFailures.WithLabelValues(tenantID).Inc()
			v.log.Error("vault decrypt failed", zap.String("tenant", tenantID), zap.String("key", k))
			continue
		}
		out[k] = pt
	}
	return out
}

func (v *Vault) envFallback() Bundle {
	out := Bundle{}
	for _, k := range EnvFallbackKeys {
		if val := v.getenv(k); val != "" {
			out[k] = val
		}
	}
	return out
}

// Save overwrites the tenant's bundle. With encrypt, each non-empty value is sealed separately.
func (v *Vault) Save(tenantID string, bundle Bundle, encrypt bool) error {
	if !validTenant(tenantID) {
		return ErrInvalidTenant
	}
	doc := make(map[string]any, len(bundle)+2)
	if encrypt {
		doc[keyEncrypted] = true
		doc[keyMetadata] = map[string]string{
			"updated_at": v.now().UTC().Format(time.RFC3339),
			"algorithm":  algorithm,
		}
		for k, val := range bundle {
			if val == "" {
				continue
			}
			sealed, err := v.cipher.Seal(val)
			if err != nil {
				return fmt.Errorf("vault: seal %s: %w", k, err)
			}
			doc[k] = sealed
		}
	} else {
		for k, val := range bundle {
			doc[k] = val
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode: %w", err)
	}
	dir := filepath.Join(v.dir, tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: mkdir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, credentialsFile), data); err != nil {
		return fmt.Errorf("vault: write: %w", err)
	}

	v.Invalidate(tenantID)
	obs.VaultWrites.Inc()
	v.log.Info("vault bundle saved", zap.String("tenant", tenantID),
		zap.Int("keys", len(bundle)), zap.Bool("encrypted", encrypt))
	return nil
}

// Merge reads the persisted bundle (never the env fallback), applies updates and saves encrypted.
func (v *Vault) Merge(tenantID string, updates Bundle) (Bundle, error) {
	if !validTenant(tenantID) {
		return nil, ErrInvalidTenant
	}
	merged := v.readDisk(tenantID)
	for k, val := range updates {
		merged[k] = val
	}
	if err := v.Save(tenantID, merged, true); err != nil {
		return nil, err
	}
	return merged, nil
}

// Invalidate drops the cached bundle for tenantID.
func (v *Vault) Invalidate(tenantID string) {
	v.mu.Lock()
	delete(v.cache, tenantID)
	v.gen[tenantID]++
	v.mu.Unlock()
}

// GetSecret returns one value or "" when absent.
func (v *Vault) GetSecret(tenantID, key string) string {
	return v.Load(tenantID)[key]
}

// GetAllSecrets returns a copy of the whole bundle.
func (v *Vault) GetAllSecrets(tenantID string) Bundle {
	return v.Load(tenantID)
}

// CheckRequired reports which keys are absent or empty.
func (v *Vault) CheckRequired(tenantID string, keys []string) Requirement {
	b := v.Load(tenantID)
	missing := []string{}
	for _, k := range keys {
		if b[k] == "" {
			missing = append(missing, k)
		}
	}
	return Requirement{Valid: len(missing) == 0, Missing: missing}
}

// ListTenants returns tenant directory names, skipping those starting with "_".
func (v *Vault) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), "_") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Health reports tenant and credential counts.
func (v *Vault) Health() (Health, error) {
	tenants, err := v.ListTenants()
	if err != nil {
		return Health{}, err
	}
	h := Health{
		Dir:           v.dir,
		Tenants:       len(tenants),
		Credentials:   make(map[string]int, len(tenants)),
		PrimaryTenant: v.primary,
		DefaultKey:    v.defaultKey,
	}
	for _, t := range tenants {
		h.Credentials[t] = len(v.Load(t))
	}
	if len(v.readDisk(v.primary)) == 0 {
		h.EnvFallback = len(v.envFallback()) > 0
	}
	return h, nil
}

// Masked returns the bundle with every value masked for display.
func (v *Vault) Masked(tenantID string) Bundle {
	b := v.Load(tenantID)
	for k, val := range b {
		b[k] = Mask(val)
	}
	return b
}

// Mask keeps the first and last four characters of long values.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}

func clone(b Bundle) Bundle {
	out := make(Bundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".credentials-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
