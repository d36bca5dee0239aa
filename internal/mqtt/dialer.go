package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/net/proxy"

	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/config"
)

const (
	defaultPort    = "1883"
	defaultTLSPort = "8883"
)

// Dialer opens MQTT connections for one worker. It satisfies
// [broker.Dialer].
type Dialer struct {
	cfg      config.BrokerConfig
	clientID string
	addr     string
	tls      *tls.Config
	net      proxy.ContextDialer
	logger   *slog.Logger
}

// NewDialer validates the broker settings, loads any TLS material and
// prepares the network path. Nothing is dialed until [Dialer.Dial].
func NewDialer(cfg config.BrokerConfig, clientID string, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	addr, err := brokerAddress(u)
	if err != nil {
		return nil, err
	}

	d := &Dialer{
		cfg:      cfg,
		clientID: clientID,
		addr:     addr,
		net:      &net.Dialer{},
		logger:   logger.With("client_id", clientID),
	}

	if cfg.TLSEnabled() {
		tcfg, err := LoadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if tcfg.ServerName == "" {
			tcfg.ServerName = u.Hostname()
		}
		d.tls = tcfg
	}

	if cfg.ProxyURL != "" {
		pu, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}
		pd, err := proxy.FromURL(pu, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", pu.Redacted(), err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy %s does not support context dialing", pu.Redacted())
		}
		d.net = cd
	}

	return d, nil
}

// brokerAddress turns a broker URL into host:port, filling in the
// standard MQTT port for the scheme.
func brokerAddress(u *url.URL) (string, error) {
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("mqtt broker URL %q has no host", u.String())
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "mqtts", "ssl", "tls":
			port = defaultTLSPort
		default:
			port = defaultPort
		}
	}
	return net.JoinHostPort(host, port), nil
}

// Dial connects to the broker and completes the MQTT handshake. The
// returned connection has no subscriptions.
func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	if timeout := d.cfg.ConnectTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nc, err := d.dialNet(ctx)
	if err != nil {
		return nil, err
	}

	c := newConn(d.cfg, d.logger)
	client := paho.NewClient(paho.ClientConfig{
		ClientID: d.clientID,
		Conn:     nc,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.onPublish,
		},
		OnClientError: func(err error) {
			c.fail(fmt.Errorf("mqtt client error: %w", err))
		},
		OnServerDisconnect: func(dc *paho.Disconnect) {
			c.fail(fmt.Errorf("mqtt server disconnected (reason %d)", dc.ReasonCode))
		},
	})
	c.client = client

	connect := &paho.Connect{
		ClientID:   d.clientID,
		KeepAlive:  uint16(d.cfg.KeepAlive() / time.Second),
		CleanStart: true,
	}
	if d.cfg.Username != "" {
		connect.Username = d.cfg.Username
		connect.UsernameFlag = true
	}
	if d.cfg.Password != "" {
		connect.Password = []byte(d.cfg.Password)
		connect.PasswordFlag = true
	}

	ack, err := client.Connect(ctx, connect)
	if err != nil {
		nc.Close()
		if ack != nil && ack.ReasonCode != 0 {
			return nil, fmt.Errorf("mqtt connect refused by %s (reason %d): %w", d.addr, ack.ReasonCode, err)
		}
		return nil, fmt.Errorf("mqtt connect %s: %w", d.addr, err)
	}

	c.start()
	d.logger.Info("mqtt connected to broker", "broker", d.cfg.URL)
	return c, nil
}

func (d *Dialer) dialNet(ctx context.Context) (net.Conn, error) {
	raw, err := d.net.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}
	if d.tls == nil {
		return raw, nil
	}

	tc := tls.Client(raw, d.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", d.addr, err)
	}
	return tc, nil
}
