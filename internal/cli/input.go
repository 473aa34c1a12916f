package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/refsmith/downloader/internal/cookies"
)

// emptyStdinGuidance is shown when piped stdin carried nothing and there is
// no prior queue state to resume.
const emptyStdinGuidance = `No input received on stdin.
  Suggestion: Pass URLs/DOIs/references as arguments, pipe a bibliography, or point --cookies at an exported session.`

// assembleInput joins positional URLs and piped stdin with newlines.
// Returns the combined text ("" when nothing was provided) and whether
// piped stdin was present but empty.
func assembleInput(urls []string, cookiesFromStdin bool) (string, bool, error) {
	var segments []string
	if len(urls) > 0 {
		segments = append(segments, strings.Join(urls, "\n"))
	}

	pipedStdinWasEmpty := false
	if !cookiesFromStdin && !isatty.IsTerminal(os.Stdin.Fd()) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", false, fmt.Errorf("read stdin: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			pipedStdinWasEmpty = true
		} else {
			segments = append(segments, string(data))
		}
	}

	return strings.Join(segments, "\n"), pipedStdinWasEmpty, nil
}

// loadRuntimeCookieJar builds the shared cookie jar from --cookies (a
// cookies.txt path, or "-" for stdin) plus any persisted encrypted store.
// Returns (jar, cookiesFromStdin).
func loadRuntimeCookieJar(cookiesPath string, saveCookies bool) (http.CookieJar, bool, error) {
	var imported []cookies.Cookie
	cookiesFromStdin := false

	if cookiesPath != "" {
		var reader io.Reader
		if cookiesPath == "-" {
			if isatty.IsTerminal(os.Stdin.Fd()) {
				return nil, false, fmt.Errorf("--cookies - requires piped stdin\n  Suggestion: Pipe an exported cookies.txt, e.g. `cat cookies.txt | downloader --cookies -`")
			}
			reader = os.Stdin
			cookiesFromStdin = true
		} else {
			file, err := os.Open(cookiesPath)
			if err != nil {
				return nil, false, fmt.Errorf("open cookies file: %w\n  Suggestion: Check the path or export cookies again", err)
			}
			defer file.Close()
			reader = file
		}

		parsed, err := cookies.ParseNetscapeFile(reader)
		if err != nil {
			return nil, false, err
		}
		imported = parsed
	}

	store := cookies.NewStore(configHomeDir())
	masterKey := os.Getenv(cookies.MasterKeyEnv)

	if len(imported) == 0 {
		persisted, err := store.Load(masterKey)
		if err == nil {
			imported = persisted
		}
	} else if saveCookies {
		if err := store.Save(imported, masterKey); err != nil {
			return nil, cookiesFromStdin, err
		}
	}

	if len(imported) == 0 {
		return nil, cookiesFromStdin, nil
	}

	jar, err := cookies.BuildJar(imported)
	if err != nil {
		return nil, cookiesFromStdin, err
	}
	return jar, cookiesFromStdin, nil
}

func configHomeDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "downloader")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "downloader")
	}
	return filepath.Join(home, ".config", "downloader")
}

func validateSaveCookiesUsage(saveCookies bool, cookiesPath string) error {
	if saveCookies && cookiesPath == "" {
		return fmt.Errorf("--save-cookies requires --cookies\n  Suggestion: Provide a cookies.txt path (or '-' for stdin) to import before saving")
	}
	return nil
}

// rejectMisplacedAuthNamespace catches `downloader auth` typos landing in
// the positional URL list.
func rejectMisplacedAuthNamespace(urls []string) error {
	if len(urls) > 0 && urls[0] == "auth" {
		return fmt.Errorf("'auth' is a subcommand, not a download target\n  Suggestion: Use `downloader auth capture` or `downloader auth clear`")
	}
	return nil
}
