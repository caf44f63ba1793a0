// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress     = "localhost:5672"
	DefaultDialTimeout = 10 * time.Second
	DefaultHeartbeat   = 10 * time.Second
)

// Options configures the broker connection.
type Options struct {
	// Connection
	URL            string      // Full AMQP URL (overrides Addresses/Username/Password/Vhost)
	Addresses      []string    // Broker addresses (host:port), tried in order
	Username       string      // Username for PLAIN auth
	Password       string      // Password for PLAIN auth
	Vhost          string      // Virtual host (default "/")
	TLSConfig      *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout    time.Duration
	Heartbeat      time.Duration
	ConnectionName string // Shown in the broker management UI
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Addresses:   []string{DefaultAddress},
		Username:    "guest",
		Password:    "guest",
		Vhost:       "/",
		DialTimeout: DefaultDialTimeout,
		Heartbeat:   DefaultHeartbeat,
	}
}

// SetAddresses sets the broker addresses from a comma separated host list,
// e.g. "rabbit-1:5672,rabbit-2:5672".
func (o *Options) SetAddresses(hosts string) *Options {
	o.Addresses = o.Addresses[:0]
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			o.Addresses = append(o.Addresses, h)
		}
	}
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetVhost sets the virtual host.
func (o *Options) SetVhost(vhost string) *Options {
	o.Vhost = vhost
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialTimeout sets the dial timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetHeartbeat sets the heartbeat interval.
func (o *Options) SetHeartbeat(d time.Duration) *Options {
	o.Heartbeat = d
	return o
}

// SetConnectionName sets the client-provided connection name.
func (o *Options) SetConnectionName(name string) *Options {
	o.ConnectionName = name
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && len(o.Addresses) == 0 {
		return ErrNoAddress
	}
	return nil
}

// dialURLs returns one AMQP URL per configured address.
func (o *Options) dialURLs() []string {
	if o.URL != "" {
		return []string{o.URL}
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	urls := make([]string, 0, len(o.Addresses))
	for _, addr := range o.Addresses {
		u := &url.URL{
			Scheme: scheme,
			Host:   addr,
			Path:   "/" + vhost,
		}
		if o.Username != "" {
			u.User = url.UserPassword(o.Username, o.Password)
		}
		urls = append(urls, u.String())
	}
	return urls
}
