// Package tenant creates tenant workspaces for newly signed-up users.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxSlugLen  = 40
	suffixLen   = 4
	alphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	configFile  = "config.json"
	defaultPlan = "starter"
)

// Request describes the tenant to create.
type Request struct {
	Company string
	Email   string
	Plan    string
}

// Provisioner creates a tenant and returns its id.
type Provisioner interface {
	Provision(ctx context.Context, req Request) (string, error)
}

// Config is the tenant's config.json document.
type Config struct {
	TenantID  string          `json:"tenant_id"`
	Plan      string          `json:"plan"`
	Status    string          `json:"status"`
	Company   string          `json:"company,omitempty"`
	Contact   Contact         `json:"contact"`
	Features  map[string]bool `json:"features"`
	CreatedAt time.Time       `json:"created_at"`
}

// Contact is the owner contact block.
type Contact struct {
	Email string `json:"email"`
}

// PlanFeatures lists the features enabled per plan.
var PlanFeatures = map[string]map[string]bool{
	"starter":   {"voice_widget": true, "crm_sync": false, "ecommerce": false, "telephony": false},
	"pro":       {"voice_widget": true, "crm_sync": true, "ecommerce": false, "telephony": false},
	"ecommerce": {"voice_widget": true, "crm_sync": true, "ecommerce": true, "telephony": false},
	"telephony": {"voice_widget": true, "crm_sync": true, "ecommerce": false, "telephony": true},
}

// FileProvisioner writes tenants as directories next to the credential vault.
type FileProvisioner struct {
	dir string
	now func() time.Time
	log *zap.Logger
}

// NewFileProvisioner returns a provisioner rooted at dir.
func NewFileProvisioner(dir string, log *zap.Logger) *FileProvisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileProvisioner{dir: dir, now: time.Now, log: log}
}

// Provision picks a fresh id and writes its config.json. Existing tenants are never overwritten.
func (p *FileProvisioner) Provision(ctx context.Context, req Request) (string, error) {
	plan := req.Plan
	if _, ok := PlanFeatures[plan]; !ok {
		plan = defaultPlan
	}
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := GenerateID(req.Company)
		if err != nil {
			return "", err
		}
		cfg := Config{
			TenantID:  id,
			Plan:      plan,
			Status:    "active",
			Company:   req.Company,
			Contact:   Contact{Email: req.Email},
			Features:  PlanFeatures[plan],
			CreatedAt: p.now().UTC(),
		}
		err = p.write(id, cfg)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		p.log.Info("tenant provisioned", zap.String("tenant", id), zap.String("plan", plan))
		return id, nil
	}
	return "", fmt.Errorf("tenant: no free id for %q", req.Company)
}

func (p *FileProvisioner) write(id string, cfg Config) error {
	dir := filepath.Join(p.dir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tenant: mkdir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, configFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("tenant: encode: %w", err)
	}
	return f.Close()
}

// Slug folds accents, lower-cases and joins alphanumeric runs with underscores.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	out := b.String()
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "_")
	}
	if out == "" {
		out = "tenant"
	}
	return out
}

// GenerateID returns "<slug>_<4 random base36 chars>".
func GenerateID(company string) (string, error) {
	suffix := make([]byte, suffixLen)
	max := big.NewInt(int64(len(alphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return Slug(company) + "_" + string(suffix), nil
}
