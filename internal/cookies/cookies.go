// Package cookies imports Netscape cookies.txt sessions, persists them
// encrypted at rest, and builds the shared cookie jar given to every HTTP
// client participating in the session.
package cookies

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// MasterKeyEnv names the environment variable holding the encryption key.
const MasterKeyEnv = "DOWNLOADER_MASTER_KEY"

// StoreFileName is the encrypted cookie file under the config home.
const StoreFileName = "cookies.enc"

// Cookie is one imported session cookie.
type Cookie struct {
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Secure  bool   `json:"secure"`
	Expires int64  `json:"expires"`
	Name    string `json:"name"`
	Value   string `json:"value"`
}

// ParseNetscapeFile reads cookies from a Netscape-format cookies.txt
// stream: 7 tab-separated fields, # comments and blanks skipped,
// #HttpOnly_ prefixes honored.
func ParseNetscapeFile(r io.Reader) ([]Cookie, error) {
	var cookies []Cookie
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "#HttpOnly_") {
			continue
		}
		line = strings.TrimPrefix(line, "#HttpOnly_")

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("cookies.txt line %d: expected 7 tab-separated fields, got %d\n  Suggestion: Export cookies in Netscape format", lineNo, len(fields))
		}

		expires, _ := strconv.ParseInt(fields[4], 10, 64)
		cookies = append(cookies, Cookie{
			Domain:  strings.TrimPrefix(fields[0], "."),
			Path:    fields[2],
			Secure:  strings.EqualFold(fields[3], "TRUE"),
			Expires: expires,
			Name:    fields[5],
			Value:   fields[6],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookies file: %w", err)
	}
	return cookies, nil
}

// BuildJar loads cookies into a fresh jar shared across HTTP clients.
// Expired cookies are dropped.
func BuildJar(cookies []Cookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	now := time.Now().Unix()
	byOrigin := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		if c.Expires != 0 && c.Expires < now {
			continue
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		origin := fmt.Sprintf("%s://%s%s", scheme, c.Domain, c.Path)
		byOrigin[origin] = append(byOrigin[origin], &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   c.Path,
			Domain: c.Domain,
			Secure: c.Secure,
		})
	}

	for origin, originCookies := range byOrigin {
		parsed, err := url.Parse(origin)
		if err != nil {
			continue
		}
		jar.SetCookies(parsed, originCookies)
	}
	return jar, nil
}

// Store persists cookies encrypted under the config home.
type Store struct {
	path string
}

// NewStore builds a store rooted at the downloader config directory.
func NewStore(configDir string) *Store {
	return &Store{path: filepath.Join(configDir, StoreFileName)}
}

// Path returns the on-disk location of the encrypted cookie file.
func (s *Store) Path() string { return s.path }

// Save encrypts and writes the cookie set. The master key comes from
// DOWNLOADER_MASTER_KEY.
func (s *Store) Save(cookies []Cookie, masterKey string) error {
	if masterKey == "" {
		return fmt.Errorf("no master key set\n  Suggestion: Export %s to encrypt persisted cookies", MasterKeyEnv)
	}

	plaintext, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}

	gcm, err := buildAEAD(masterKey)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("write cookie store: %w", err)
	}
	return nil
}

// Load decrypts the persisted cookie set. A missing store returns an empty
// set without error.
func (s *Store) Load(masterKey string) ([]Cookie, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cookie store: %w", err)
	}
	if masterKey == "" {
		return nil, fmt.Errorf("cookie store exists but no master key set\n  Suggestion: Export %s to decrypt persisted cookies", MasterKeyEnv)
	}

	gcm, err := buildAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("cookie store is corrupt (too short)")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt cookie store: %w\n  Suggestion: Check %s matches the key used to save cookies", err, MasterKeyEnv)
	}

	var cookies []Cookie
	if err := json.Unmarshal(plaintext, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie store: %w", err)
	}
	return cookies, nil
}

// Clear deletes the persisted cookie store.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cookie store: %w", err)
	}
	return nil
}

func buildAEAD(masterKey string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build AEAD: %w", err)
	}
	return gcm, nil
}
