package localca

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// tempCA creates a CA in a temp dir and returns its file paths.
func tempCA(t *testing.T) (string, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tls")
	cert := filepath.Join(dir, "ca-cert.pem")
	key := filepath.Join(dir, "ca-key.pem")
	if err := Create(cert, key); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cert, key
}

func TestCreate_FilePermissions(t *testing.T) {
	cert, key := tempCA(t)
	for _, path := range []string{cert, key} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s permissions: got %04o, want 0600", path, perm)
		}
	}
}

func TestLoad_Success(t *testing.T) {
	cert, key := tempCA(t)
	ca, err := Load(cert, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ca.Certificate().IsCA {
		t.Error("loaded certificate is not a CA")
	}
}

func TestLoad_Errors(t *testing.T) {
	cert, key := tempCA(t)
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, otherKey := tempCA(t)

	tests := []struct {
		name      string
		cert, key string
	}{
		{"missing cert", filepath.Join(dir, "missing.pem"), key},
		{"missing key", cert, filepath.Join(dir, "missing.pem")},
		{"garbage cert", garbage, key},
		{"garbage key", cert, garbage},
		{"mismatched key", cert, otherKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.cert, tt.key); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadOrCreate_CreatesThenReuses(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "ca-cert.pem")
	key := filepath.Join(dir, "ca-key.pem")

	first, err := LoadOrCreate(cert, key, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	second, err := LoadOrCreate(cert, key, nil)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if first.Certificate().SerialNumber.Cmp(second.Certificate().SerialNumber) != 0 {
		t.Error("existing CA was replaced")
	}
}

func TestLoadOrCreate_RefusesCorruptCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "ca-cert.pem")
	if err := os.WriteFile(cert, []byte("corrupt"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(cert, filepath.Join(dir, "ca-key.pem"), nil); err == nil {
		t.Error("expected error for corrupt existing cert")
	}
}

func TestLeafFor(t *testing.T) {
	cert, key := tempCA(t)
	ca, err := Load(cert, key)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		host string
		ip   bool
	}{
		{"localhost", false},
		{"handshake.kanzlei.internal", false},
		{"10.0.0.7", true},
		{"::1", true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			c, err := ca.LeafFor(tt.host)
			if err != nil {
				t.Fatal(err)
			}
			if tt.ip && len(c.Leaf.IPAddresses) != 1 {
				t.Errorf("IP SANs = %v", c.Leaf.IPAddresses)
			}
			if !tt.ip && (len(c.Leaf.DNSNames) != 1 || c.Leaf.DNSNames[0] != tt.host) {
				t.Errorf("DNS SANs = %v", c.Leaf.DNSNames)
			}
			if _, err := c.Leaf.Verify(x509.VerifyOptions{
				DNSName: tt.host,
				Roots:   ca.Pool(),
			}); err != nil {
				t.Errorf("leaf does not verify against CA: %v", err)
			}
			if time.Until(c.Leaf.NotAfter) < 6*24*time.Hour {
				t.Errorf("leaf expires too soon: %s", c.Leaf.NotAfter)
			}
		})
	}
}

func TestLeafFor_Cached(t *testing.T) {
	cert, key := tempCA(t)
	ca, err := Load(cert, key)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := ca.LeafFor("localhost")
	b, _ := ca.LeafFor("localhost")
	if a != b {
		t.Error("second call should return the cached leaf")
	}
	c, _ := ca.LeafFor("127.0.0.1")
	if a == c {
		t.Error("different hosts must get different leaves")
	}
}

func TestLeafFor_Concurrent(t *testing.T) {
	cert, key := tempCA(t)
	ca, err := Load(cert, key)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ca.LeafFor("localhost"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestServerConfig_FallbackHost(t *testing.T) {
	cert, key := tempCA(t)
	ca, err := Load(cert, key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := ca.ServerConfig("127.0.0.1")
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x", cfg.MinVersion)
	}
	c, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Leaf.IPAddresses) != 1 || c.Leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("fallback leaf SANs = %v", c.Leaf.IPAddresses)
	}
}

func TestConfigure_ServesHTTP2(t *testing.T) {
	cert, key := tempCA(t)
	ca, err := Load(cert, key)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Proto) //nolint:errcheck
	})}
	if err := ca.Configure(srv, "127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	go srv.ServeTLS(ln, "", "") //nolint:errcheck
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{RootCAs: ca.Pool()},
		ForceAttemptHTTP2: true,
	}}
	resp, err := client.Get("https://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("TLS request against local CA: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "HTTP/2.0" {
		t.Errorf("protocol = %q, want HTTP/2.0", body)
	}
}
