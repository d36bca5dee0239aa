package mqtt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	// Verify the file was written.
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateInstanceID_UnwritableDir(t *testing.T) {
	_, err := LoadOrCreateInstanceID(filepath.Join(t.TempDir(), "missing", "dir"))
	if err == nil {
		t.Fatal("LoadOrCreateInstanceID() should fail when the directory does not exist")
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		prefix, instance, worker string
		want                     string
	}{
		{"spabridge", "01890a5d-ac96-774b-bcce-b302099a8057", "backend", "spabridge-01890a5d-backend"},
		{"", "01890a5d-ac96-774b-bcce-b302099a8057", "alerts", "01890a5d-alerts"},
		{"spabridge", "abc", "backend", "spabridge-abc-backend"},
		{"spabridge", "", "backend", "spabridge-backend"},
	}
	for _, tt := range tests {
		if got := ClientID(tt.prefix, tt.instance, tt.worker); got != tt.want {
			t.Errorf("ClientID(%q, %q, %q) = %q, want %q", tt.prefix, tt.instance, tt.worker, got, tt.want)
		}
	}
}

func TestBrokerAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"tcp://broker.local", "broker.local:1883"},
		{"mqtt://broker.local:1884", "broker.local:1884"},
		{"mqtts://broker.local", "broker.local:8883"},
		{"ssl://10.0.0.5", "10.0.0.5:8883"},
		{"tls://[::1]", "[::1]:8883"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		got, err := brokerAddress(u)
		if err != nil {
			t.Errorf("brokerAddress(%q) error = %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("brokerAddress(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	u, _ := url.Parse("tcp://")
	if _, err := brokerAddress(u); err == nil {
		t.Error("brokerAddress accepted a URL without a host")
	}
}

// writeSelfSigned writes a throwaway certificate and key as PEM files.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "spabridge-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "client.pem")
	keyFile = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	cfg, err := LoadTLSConfig(config.BrokerConfig{
		CAFile:   certFile,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs not set from CA file")
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestLoadTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk")
	os.WriteFile(junk, []byte("not a certificate"), 0600)

	tests := []struct {
		name string
		cfg  config.BrokerConfig
		want string
	}{
		{"missing CA", config.BrokerConfig{CAFile: filepath.Join(dir, "nope.pem")}, "read CA file"},
		{"CA without PEM", config.BrokerConfig{CAFile: junk}, "no PEM certificates"},
		{"bad key pair", config.BrokerConfig{CertFile: junk, KeyFile: junk}, "load client certificate"},
		{"missing bundle", config.BrokerConfig{PKCS12File: filepath.Join(dir, "nope.p12")}, "read PKCS#12"},
		{"bad bundle", config.BrokerConfig{PKCS12File: junk}, "decode PKCS#12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTLSConfig(tt.cfg)
			if err == nil {
				t.Fatal("LoadTLSConfig() = nil error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestNewDialer_Errors(t *testing.T) {
	if _, err := NewDialer(config.BrokerConfig{URL: "tcp://"}, "id", discardLogger()); err == nil {
		t.Error("NewDialer accepted a URL without a host")
	}
	if _, err := NewDialer(config.BrokerConfig{
		URL:      "tcp://localhost",
		ProxyURL: "gopher://proxy.local",
	}, "id", discardLogger()); err == nil {
		t.Error("NewDialer accepted an unsupported proxy scheme")
	}
	if _, err := NewDialer(config.BrokerConfig{
		URL:    "mqtts://localhost",
		CAFile: filepath.Join(t.TempDir(), "missing.pem"),
	}, "id", discardLogger()); err == nil {
		t.Error("NewDialer ignored a missing CA file")
	}
}

func TestNewDialer_SOCKSProxy(t *testing.T) {
	d, err := NewDialer(config.BrokerConfig{
		URL:      "mqtts://broker.example.com",
		ProxyURL: "socks5://bastion.example.com:1080",
	}, "id", discardLogger())
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	if d.tls == nil || d.tls.ServerName != "broker.example.com" {
		t.Errorf("tls ServerName not derived from broker host: %+v", d.tls)
	}
	if _, ok := d.net.(*net.Dialer); ok {
		t.Error("proxy dialer not installed")
	}
}

func TestDial_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d, err := NewDialer(config.BrokerConfig{
		URL:               "tcp://" + addr,
		ConnectTimeoutSec: 2,
	}, "id", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("Dial() succeeded against a closed port")
	}
}

func TestDial_BrokerHangsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	d, err := NewDialer(config.BrokerConfig{
		URL:               "tcp://" + ln.Addr().String(),
		ConnectTimeoutSec: 2,
	}, "id", discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("Dial() succeeded although the broker closed the connection")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("Dial() did not respect the connect timeout")
	}
}

// serveSubscriptions accepts one client, completes the handshake and
// acknowledges every SUBSCRIBE, reporting its options on subs.
func serveSubscriptions(t *testing.T, ln net.Listener, subs chan<- packets.SubOptions) {
	t.Helper()
	nc, err := ln.Accept()
	if err != nil {
		return
	}
	defer nc.Close()

	cp, err := packets.ReadPacket(nc)
	if err != nil || cp.Type != packets.CONNECT {
		t.Errorf("first packet = %v, %v; want CONNECT", cp, err)
		return
	}
	if _, err := packets.NewControlPacket(packets.CONNACK).WriteTo(nc); err != nil {
		return
	}

	for {
		cp, err := packets.ReadPacket(nc)
		if err != nil {
			return
		}
		switch cp.Type {
		case packets.SUBSCRIBE:
			sub := cp.Content.(*packets.Subscribe)
			ack := packets.NewControlPacket(packets.SUBACK)
			suback := ack.Content.(*packets.Suback)
			suback.PacketID = sub.PacketID
			for _, o := range sub.Subscriptions {
				subs <- o
				suback.Reasons = append(suback.Reasons, o.QoS)
			}
			if _, err := ack.WriteTo(nc); err != nil {
				return
			}
		case packets.DISCONNECT:
			return
		}
	}
}

func TestSubscribeOptions_RetainedOnlyOnNewSubscription(t *testing.T) {
	o := subscribeOptions("spa/+/alert", 1)
	if o.Topic != "spa/+/alert" || o.QoS != 1 {
		t.Errorf("subscribeOptions() = %+v", o)
	}
	if o.RetainHandling != 1 {
		t.Errorf("RetainHandling = %d, want 1", o.RetainHandling)
	}
}

func TestConn_ResubscribeDoesNotRequestRetained(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	subs := make(chan packets.SubOptions, 4)
	go serveSubscriptions(t, ln, subs)

	d, err := NewDialer(config.BrokerConfig{
		URL:               "tcp://" + ln.Addr().String(),
		QoS:               1,
		ConnectTimeoutSec: 2,
	}, "id", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	c, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A worker re-subscribes after each quiet period.
	for i := 0; i < 2; i++ {
		if err := c.Subscribe(ctx, "spa/abc/alert"); err != nil {
			t.Fatalf("Subscribe() #%d error = %v", i+1, err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case o := <-subs:
			if o.Topic != "spa/abc/alert" {
				t.Errorf("SUBSCRIBE #%d topic = %q", i+1, o.Topic)
			}
			if o.RetainHandling != 1 {
				t.Errorf("SUBSCRIBE #%d RetainHandling = %d, want 1", i+1, o.RetainHandling)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("SUBSCRIBE #%d not seen by broker", i+1)
		}
	}
}

func newTestConn(rateLimit int) *conn {
	return newConn(config.BrokerConfig{QoS: 1, RateLimitPerSec: rateLimit}, discardLogger())
}

func publish(c *conn, topic, payload string) {
	c.onPublish(paho.PublishReceived{Packet: &paho.Publish{Topic: topic, Payload: []byte(payload)}})
}

func TestConn_ReceiveDeliversThenTimesOut(t *testing.T) {
	c := newTestConn(0)
	publish(c, "spa/abc/telemetry", "101")

	msg, err := c.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Topic != "spa/abc/telemetry" || string(msg.Payload) != "101" {
		t.Errorf("Receive() = %+v", msg)
	}

	_, err = c.Receive(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, broker.ErrTimeout) {
		t.Errorf("Receive() on quiet link = %v, want ErrTimeout", err)
	}
}

func TestConn_FailureWakesReceive(t *testing.T) {
	c := newTestConn(0)
	errReset := errors.New("reset")

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.fail(errReset)
		c.fail(errors.New("second error is ignored"))
	}()

	_, err := c.Receive(context.Background(), time.Second)
	if !errors.Is(err, errReset) {
		t.Errorf("Receive() = %v, want %v", err, errReset)
	}
	if err := c.Subscribe(context.Background(), "spa/#"); !errors.Is(err, errReset) {
		t.Errorf("Subscribe() on dead link = %v, want %v", err, errReset)
	}
}

func TestConn_DrainsBeforeReportingFailure(t *testing.T) {
	c := newTestConn(0)
	publish(c, "spa/abc/alert", "hot")
	c.fail(errors.New("reset"))

	msg, err := c.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v, want buffered message first", err)
	}
	if string(msg.Payload) != "hot" {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func TestConn_RateLimit(t *testing.T) {
	c := newTestConn(2)
	for range 5 {
		publish(c, "spa/abc/telemetry", "x")
	}
	if got := len(c.inbox); got != 2 {
		t.Errorf("inbox = %d, want 2", got)
	}
	if d := c.limiter.dropped.Load(); d != 3 {
		t.Errorf("dropped = %d, want 3", d)
	}
}

func TestConn_InboxOverflowDrops(t *testing.T) {
	c := newTestConn(0)
	for range inboxSize + 10 {
		publish(c, "spa/abc/telemetry", "x")
	}
	if got := len(c.inbox); got != inboxSize {
		t.Errorf("inbox = %d, want %d", got, inboxSize)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	rl := newMessageRateLimiter(1000, time.Second, discardLogger())

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}

func TestMessageRateLimiter_NilAllowsAll(t *testing.T) {
	var rl *messageRateLimiter
	for range 10 {
		if !rl.allow() {
			t.Fatal("nil limiter dropped a message")
		}
	}
}
