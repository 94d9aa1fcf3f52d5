// Package tlsutil provides TLS certificate loading with automatic reload via
// filesystem notifications, so certificates can be rotated without restarting
// the service.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events a certificate
// rotation typically produces into a single reload.
const reloadDebounce = 300 * time.Millisecond

// MinVersion maps the configured min_version string to a tls constant.
// Anything other than "1.3" selects TLS 1.2; config validation rejects
// other values before this is reached.
func MinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Loader holds the server certificate and watches the cert and key files,
// reloading when either changes. GetCertificate is the callback for
// tls.Config.GetCertificate.
type Loader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewLoader loads the initial certificate and starts watching both files.
// A failed initial load is an error; a failed reload later keeps the
// previous certificate.
func NewLoader(certFile, keyFile string, logger *slog.Logger) (*Loader, error) {
	l := &Loader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := l.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}

	l.watcher = watcher
	go l.watchLoop()

	logger.Info("TLS certificate loaded, watching for changes",
		"cert_file", certFile, "key_file", keyFile)
	return l, nil
}

// GetCertificate returns the current certificate. Called on every TLS
// handshake.
func (l *Loader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cert, nil
}

// Reload re-reads the cert/key pair from disk. On failure the current
// certificate stays in place.
func (l *Loader) Reload() error {
	if err := l.load(); err != nil {
		l.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", l.certFile)
		return err
	}
	l.logger.Info("TLS certificate reloaded", "cert_file", l.certFile)
	return nil
}

// Stop terminates the file watcher.
func (l *Loader) Stop() {
	close(l.stopCh)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *Loader) load() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cert = &cert
	l.mu.Unlock()
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					l.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("TLS cert file watcher error", "error", err)
		case <-l.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
