package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/bifurcation/sslsock"
	"github.com/bifurcation/sslsock/gotls"
	"github.com/bifurcation/sslsock/pinning"
	"golang.org/x/net/proxy"
)

var addr, serverName, fingerprint, proxyURL string
var pinningDB string
var pinningClearAll bool
var pinningClear string
var insecure bool
var timeout time.Duration

type insecureCallbacks struct{}

func (insecureCallbacks) VerifyCertificateChain(context.Context, [][]byte, string) error { return nil }
func (insecureCallbacks) ClientCertificateRequested(context.Context, []string, [][]byte) (*sslsock.Certificate, error) {
	return nil, nil
}
func (insecureCallbacks) HandshakeCompleted(context.Context) error { return nil }

func openStore(db string) *pinning.Store {
	if db == "" {
		log.Fatal("For key pinning, you must specify a pinning database file")
	}
	store, err := pinning.Open(db)
	if err != nil {
		log.Fatalf("Cannot open pinning database: %v", err)
	}
	return store
}

// dialer returns a direct dialer, or one tunneling through the proxy named
// by rawURL (e.g. socks5://127.0.0.1:1080).
func dialer(rawURL string) (proxy.Dialer, error) {
	if rawURL == "" {
		return proxy.Direct, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return proxy.FromURL(u, proxy.Direct)
}

// connect dials addr and returns a client socket that has completed its
// handshake.
func connect(ctx context.Context, d proxy.Dialer, addr, serverName string, sctx *sslsock.Context, cb sslsock.HandshakeCallbacks) (*sslsock.Socket, error) {
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := sslsock.Client(raw, sctx, serverName, cb)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if err := conn.Handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&serverName, "servername", "", "server name (defaults to the host in -addr)")
	flag.StringVar(&proxyURL, "proxy", "", "proxy URL, e.g. socks5://127.0.0.1:1080")
	flag.StringVar(&pinningDB, "pinning-database", "", "pinning database file (will be created or opened)")
	flag.BoolVar(&pinningClearAll, "pinning-clear-all", false, "clear all pins")
	flag.StringVar(&pinningClear, "pinning-clear", "", "clear the pin for <host:port>")
	flag.BoolVar(&insecure, "insecure", false, "accept any server certificate")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "handshake timeout")
	flag.StringVar(&fingerprint, "fingerprint", "", "ClientHello fingerprint (golang, chrome, firefox, ios, randomized)")
	flag.Parse()

	ctx := context.Background()

	if pinningClearAll {
		store := openStore(pinningDB)
		defer store.Close()
		if err := store.Clear(ctx); err != nil {
			log.Fatal(err)
		}
		return
	}

	if pinningClear != "" {
		store := openStore(pinningDB)
		defer store.Close()
		found, err := store.DeletePins(ctx, pinningClear)
		if err != nil {
			log.Fatal(err)
		}
		if found {
			fmt.Println("Deleted the pin")
		} else {
			fmt.Println("Could not find a pin")
		}
		return
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		log.Fatalf("Bad address %s: %v", addr, err)
	}
	if serverName == "" {
		serverName = host
	}

	config := &sslsock.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		ClientHello:        fingerprint,
		HandshakeTimeout:   timeout,
	}
	sctx, err := sslsock.NewContext(gotls.New(), config)
	if err != nil {
		log.Fatal(err)
	}
	defer sctx.Free()

	var cb sslsock.HandshakeCallbacks = insecureCallbacks{}
	if !insecure {
		store := openStore(pinningDB)
		defer store.Close()
		if _, err := store.Cleanup(ctx); err != nil {
			log.Printf("pin cleanup: %v", err)
		}
		cb, err = pinning.NewVerifier(store, pinning.Options{Origin: sslsock.SessionKey(serverName, port)})
		if err != nil {
			log.Fatal(err)
		}
	}

	d, err := dialer(proxyURL)
	if err != nil {
		log.Fatalf("Bad proxy %s: %v", proxyURL, err)
	}
	conn, err := connect(ctx, d, addr, serverName, sctx, cb)
	if err != nil {
		fmt.Println("TLS handshake failed:", err)
		os.Exit(1)
	}
	defer conn.Close()
	if sess := conn.Session(); sess != nil {
		log.Printf("connected: version %#04x, cipher suite %#04x, resumed %v", sess.Version, sess.CipherSuite, sess.Resumed)
	}

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		log.Fatalf("Write failed: %v", err)
	}
	if _, err := io.Copy(os.Stdout, conn); err != nil {
		log.Fatalf("Read failed: %v", err)
	}
}
