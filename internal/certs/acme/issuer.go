// Package acme issues host certificates over HTTP-01 for servers whose
// use_acme_host reference has no system-managed certificate. Issued
// material lands in the daemon's certificate directory in the same
// per-host layout the system directory uses, so the resolver treats
// both alike.
package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	lego "github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	acmepkg "golang.org/x/crypto/acme"

	"tunneld/internal/state/paths"
)

const defaultDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"

// ChallengeSink exposes Present/CleanUp to publish HTTP-01 tokens.
type ChallengeSink interface {
	Handler() http.Handler
	Put(token, value string)
	Delete(token string)
}

// Issuer obtains certificates via lego using HTTP-01 challenges
// published through a ChallengeSink.
type Issuer struct {
	accountDir string
	certDir    string
	directory  string
	email      string
	sink       ChallengeSink
}

// NewIssuer constructs an issuer. The directory URL falls back to
// TUNNELD_ACME_DIR_URL, then to the Let's Encrypt production endpoint.
func NewIssuer(sink ChallengeSink, email, directoryURL string) *Issuer {
	if directoryURL == "" {
		if v := os.Getenv("TUNNELD_ACME_DIR_URL"); v != "" {
			directoryURL = v
		} else {
			directoryURL = defaultDirectoryURL
		}
	}
	log.Printf("INFO: ACME directory configured: %s", directoryURL)
	return &Issuer{
		accountDir: paths.ACMEAccountsDir(),
		certDir:    paths.ACMEDir(),
		directory:  directoryURL,
		email:      strings.TrimSpace(strings.ToLower(email)),
		sink:       sink,
	}
}

type account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          *ecdsa.PrivateKey      `json:"-"`
}

func (a *account) GetEmail() string                        { return a.Email }
func (a *account) GetRegistration() *registration.Resource { return a.Registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }

func (i *Issuer) accountPaths() (keyPath, regPath string) {
	return filepath.Join(i.accountDir, "account.key"), filepath.Join(i.accountDir, "account.json")
}

func (i *Issuer) loadAccount() (*account, error) {
	keyPath, regPath := i.accountPaths()
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	key, err := certcrypto.ParsePEMPrivateKey(raw)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("unsupported account key format")
	}
	acc := &account{Email: i.email, key: ecKey}
	if data, err := os.ReadFile(regPath); err == nil {
		var res registration.Resource
		if err := json.Unmarshal(data, &res); err == nil {
			acc.Registration = &res
		}
	}
	return acc, nil
}

func (i *Issuer) saveAccount(acc *account) error {
	if err := os.MkdirAll(i.accountDir, 0o700); err != nil {
		return err
	}
	keyPath, regPath := i.accountPaths()
	keyPEM := certcrypto.PEMEncode(acc.key)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	if acc.Registration != nil {
		data, err := json.MarshalIndent(acc.Registration, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(regPath, data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (i *Issuer) resetAccountCache() error {
	keyPath, regPath := i.accountPaths()
	for _, p := range []string{keyPath, regPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ensureAccount loads the cached account or registers a fresh one. A
// cached account bound to a different directory host is discarded so
// switching between staging and production endpoints just works.
func (i *Issuer) ensureAccount() (*lego.Client, error) {
	acc, err := i.loadAccount()
	if err == nil && acc.Registration != nil && acc.Registration.URI != "" {
		regHost, dirHost := hostFromURL(acc.Registration.URI), hostFromURL(i.directory)
		if regHost != "" && dirHost != "" && !strings.EqualFold(regHost, dirHost) {
			log.Printf("INFO: ACME cached account host %s differs from directory %s; resetting", regHost, dirHost)
			if err := i.resetAccountCache(); err != nil {
				return nil, err
			}
			acc = nil
		}
	} else if err != nil {
		acc = nil
	}

	if acc != nil {
		cli, err := i.newClient(acc)
		if err != nil {
			return nil, err
		}
		if acc.Registration != nil {
			log.Printf("INFO: ACME loaded cached account %s", acc.Registration.URI)
			return cli, nil
		}
		// Key cached without a registration; fall through to register
		// with the existing key.
		reg, err := cli.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, err
		}
		acc.Registration = reg
		if err := i.saveAccount(acc); err != nil {
			return nil, err
		}
		return cli, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	acc = &account{Email: i.email, key: key}
	cli, err := i.newClient(acc)
	if err != nil {
		return nil, err
	}
	reg, err := cli.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, err
	}
	acc.Registration = reg
	if err := i.saveAccount(acc); err != nil {
		return nil, err
	}
	log.Printf("INFO: ACME registered new account %s", reg.URI)
	return cli, nil
}

func (i *Issuer) newClient(acc *account) (*lego.Client, error) {
	cfg := lego.NewConfig(acc)
	cfg.CADirURL = i.directory
	cfg.Certificate.KeyType = certcrypto.EC256
	cli, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := cli.Challenge.SetHTTP01Provider(&http01Provider{sink: i.sink}); err != nil {
		return nil, err
	}
	return cli, nil
}

// Issue obtains (or re-obtains) the certificate for host and writes it
// into the daemon's certificate directory. A stale cached account is
// reset and the obtain retried once.
func (i *Issuer) Issue(host string) error {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return errors.New("acme: host is empty")
	}
	for attempt := 0; attempt < 2; attempt++ {
		cli, err := i.ensureAccount()
		if err != nil {
			return err
		}
		res, err := cli.Certificate.Obtain(certificate.ObtainRequest{
			Domains: []string{host},
			Bundle:  true,
		})
		if err != nil {
			if attempt == 0 && isAccountDoesNotExist(err) {
				log.Printf("WARN: ACME account invalid, resetting cache and retrying: %v", err)
				if err := i.resetAccountCache(); err != nil {
					log.Printf("WARN: failed to reset ACME cache: %v", err)
				}
				continue
			}
			return fmt.Errorf("acme: failed to obtain certificate for %s: %w", host, err)
		}
		return i.writeCertificate(host, res)
	}
	return fmt.Errorf("acme: failed to obtain certificate for %s after retry", host)
}

// writeCertificate installs the obtained material in the per-host
// layout the resolver expects. The key is group-readable so the
// service's supplementary group grant works.
func (i *Issuer) writeCertificate(host string, res *certificate.Resource) error {
	hostDir := filepath.Join(i.certDir, host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return err
	}
	certPath := filepath.Join(hostDir, "fullchain.pem")
	keyPath := filepath.Join(hostDir, "key.pem")
	if err := os.WriteFile(certPath, res.Certificate, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, res.PrivateKey, 0o640); err != nil {
		return err
	}
	log.Printf("INFO: ACME certificate for %s written to %s", host, hostDir)
	return nil
}

func isAccountDoesNotExist(err error) bool {
	if err == nil {
		return false
	}
	var acmeErr *acmepkg.Error
	if errors.As(err, &acmeErr) {
		return acmeErr.ProblemType == "urn:ietf:params:acme:error:accountDoesNotExist"
	}
	return strings.Contains(err.Error(), "accountDoesNotExist")
}

func hostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// http01Provider bridges lego HTTP-01 to the ChallengeSink.
type http01Provider struct{ sink ChallengeSink }

func (p *http01Provider) Present(domain, token, keyAuth string) error {
	if p.sink == nil {
		return errors.New("acme: challenge sink unavailable")
	}
	p.sink.Put(token, keyAuth)
	return nil
}

func (p *http01Provider) CleanUp(domain, token, keyAuth string) error {
	if p.sink != nil {
		p.sink.Delete(token)
	}
	return nil
}

func (p *http01Provider) GetType() string { return "http-01" }

// MemorySink holds outstanding HTTP-01 tokens and serves them at the
// well-known challenge path.
type MemorySink struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{tokens: make(map[string]string)}
}

func (s *MemorySink) Put(token, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = value
}

func (s *MemorySink) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Handler serves challenge responses. The token is the last path
// element, so the handler works both mounted at the well-known prefix
// and standalone.
func (s *MemorySink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := filepath.Base(r.URL.Path)
		s.mu.RLock()
		value, ok := s.tokens[token]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(value))
	})
}
