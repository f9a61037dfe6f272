package signer

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultURL            = "wss://oisy.com/sign"
	DefaultWindowName     = "oisy-signer"
	DefaultWidth          = 576
	DefaultHeight         = 625
	DefaultRequestTimeout = 30 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	// DefaultHandshakeDelay gives the signer window time to load before the
	// status handshake is sent.
	DefaultHandshakeDelay = 1300 * time.Millisecond
	// MaxDelegationTTL is the longest identity delegation requested on Connect.
	MaxDelegationTTL = 7 * 24 * time.Hour

	defaultWindowFeatures = "toolbar=no,location=no,status=no,menubar=no,scrollbars=yes,resizable=yes"
)

// Position places the signer window on screen.
type Position string

const (
	PositionCenter      Position = "center"
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
)

// Screen is the size of the display the window is placed on.
type Screen struct {
	Width  int
	Height int
}

// WindowOptions describe the signer window.
type WindowOptions struct {
	Width    int
	Height   int
	Position Position
	// Features replaces the computed feature string when set.
	Features string
}

// Options configure a Session. Zero values select the defaults.
type Options struct {
	URL string
	// Origin is the only origin inbound messages are accepted from.
	// Derived from URL when empty.
	Origin         string
	Window         WindowOptions
	Screen         Screen
	RequestTimeout time.Duration
	PollInterval   time.Duration
	// HandshakeDelay is waited before the status handshake. Negative
	// disables the wait.
	HandshakeDelay time.Duration
	// OnDisconnect runs once when a connected session returns to Disconnected.
	OnDisconnect func()
	Logger       logrus.FieldLogger
	Metrics      *Metrics
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.Window.Width <= 0 {
		o.Window.Width = DefaultWidth
	}
	if o.Window.Height <= 0 {
		o.Window.Height = DefaultHeight
	}
	if o.Window.Position == "" {
		o.Window.Position = PositionCenter
	}
	if o.Screen.Width <= 0 || o.Screen.Height <= 0 {
		o.Screen = Screen{Width: 1920, Height: 1080}
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	switch {
	case o.HandshakeDelay == 0:
		o.HandshakeDelay = DefaultHandshakeDelay
	case o.HandshakeDelay < 0:
		o.HandshakeDelay = 0
	}
	return o
}

// Placement returns the window's top-left corner on screen.
func (w WindowOptions) Placement(s Screen) (left, top int) {
	switch w.Position {
	case PositionCenter:
		return (s.Width - w.Width) / 2, (s.Height - w.Height) / 2
	case PositionTopRight:
		return s.Width - w.Width, 0
	case PositionBottomRight:
		return s.Width - w.Width, s.Height - w.Height
	case PositionBottomLeft:
		return 0, s.Height - w.Height
	}
	return 0, 0
}

// FeatureString is the window feature list handed to the opener.
func (w WindowOptions) FeatureString(s Screen) string {
	if w.Features != "" {
		return w.Features
	}
	left, top := w.Placement(s)
	return fmt.Sprintf("width=%d,height=%d,left=%d,top=%d,%s", w.Width, w.Height, left, top, defaultWindowFeatures)
}

// OriginOf returns scheme://host[:port] for rawURL. WebSocket schemes map to
// their HTTP counterparts and default ports are dropped.
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %q", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "wss":
		scheme = "https"
	case "ws":
		scheme = "http"
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}
