// Package discovery advertises sync servers on the local network over
// mDNS and lets clients find them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_collabtext._tcp"
	domain         = "local."
)

// Server is one advertised sync server.
type Server struct {
	Instance string
	Host     string
	Port     int
	Path     string
}

// Endpoint is the websocket URL of the server.
func (s Server) Endpoint() string {
	path := s.Path
	if path == "" {
		path = "/ws"
	}
	return "ws://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) + path
}

type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance under service until Shutdown. The instance
// name gets the hostname appended so several machines can coexist.
func Advertise(instance, service string, port int) (*Advertisement, error) {
	if service == "" {
		service = DefaultService
	}
	host, _ := os.Hostname()
	name := instance
	if host != "" {
		name = fmt.Sprintf("%s-%s", instance, host)
	}
	srv, err := zeroconf.Register(name, service, domain, port, []string{"txtv=0", "path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	glog.Infof("[discovery] advertising %s as %s on port %d", service, name, port)
	return &Advertisement{server: srv}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Browse reports servers found under service until ctx is done.
func Browse(ctx context.Context, service string, found func(Server)) error {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(entries, stop, found)
	}()
	// the resolver owns entries, so the reader is released through stop
	// rather than by closing the channel
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		close(stop)
		<-done
		return fmt.Errorf("browse %s: %w", service, err)
	}
	<-ctx.Done()
	close(stop)
	<-done
	return nil
}

// consume reports servers from entries until entries is closed or stop is.
func consume(entries <-chan *zeroconf.ServiceEntry, stop <-chan struct{}, found func(Server)) {
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if s, ok := fromEntry(entry); ok {
				found(s)
			}
		case <-stop:
			return
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) (Server, bool) {
	if e == nil || e.Port == 0 {
		return Server{}, false
	}
	s := Server{Instance: e.Instance, Port: e.Port, Path: txtValue(e.Text, "path")}
	switch {
	case len(e.AddrIPv4) > 0:
		s.Host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		s.Host = e.AddrIPv6[0].String()
	case e.HostName != "":
		s.Host = e.HostName
	default:
		return Server{}, false
	}
	return s, true
}

func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, t := range txt {
		if len(t) > len(prefix) && t[:len(prefix)] == prefix {
			return t[len(prefix):]
		}
	}
	return ""
}
