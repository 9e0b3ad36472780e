package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/bifurcation/sslsock"
	"github.com/bifurcation/sslsock/gotls"
	"github.com/google/martian/v3/mitm"
)

var port string
var serverName, serverKeyFile, serverCertFile string
var requireClientCert, echo bool

type logCallbacks struct{}

func (logCallbacks) VerifyCertificateChain(ctx context.Context, chain [][]byte, authMethod string) error {
	log.Printf("server: client presented %d certificate(s) (%s)", len(chain), authMethod)
	return nil
}

func (logCallbacks) ClientCertificateRequested(context.Context, []string, [][]byte) (*sslsock.Certificate, error) {
	return nil, nil
}

func (logCallbacks) HandshakeCompleted(context.Context) error {
	log.Print("server: handshake completed")
	return nil
}

func readPEM(file, what string) []byte {
	data, err := os.ReadFile(file)
	if err != nil {
		log.Fatalf("Cannot read %s: %s", what, file)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		log.Fatalf("No PEM data in %s: %s", what, file)
	}
	return block.Bytes
}

func readServerKey(serverKeyFile string) crypto.Signer {
	der := readPEM(serverKeyFile, "key")
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		log.Fatalf("Cannot parse private key: %s", serverKeyFile)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		log.Fatalf("Private key cannot sign: %s", serverKeyFile)
	}
	return signer
}

func readServerCert(serverCertFile string) *x509.Certificate {
	serverCert, err := x509.ParseCertificate(readPEM(serverCertFile, "cert"))
	if err != nil {
		log.Fatalf("Cannot parse cert: %s", serverCertFile)
	}
	return serverCert
}

// serverCertificate loads -keyfile and -certfile, or makes up a short-lived
// self-signed identity when neither is given.
func serverCertificate() *sslsock.Certificate {
	if serverKeyFile == "" && serverCertFile == "" {
		name := serverName
		if name == "" {
			name = "sslsock-server"
		}
		cert, key, err := mitm.NewAuthority(name, "sslsock", 24*time.Hour)
		if err != nil {
			log.Fatalf("Cannot generate a certificate: %s", err)
		}
		log.Printf("server: using a generated certificate for %s", name)
		return &sslsock.Certificate{Chain: []*x509.Certificate{cert}, PrivateKey: key}
	}
	if serverKeyFile == "" || serverCertFile == "" {
		log.Fatal("You must specify both a private key file and a certificate file")
	}
	return &sslsock.Certificate{
		Chain:      []*x509.Certificate{readServerCert(serverCertFile)},
		PrivateKey: readServerKey(serverKeyFile),
	}
}

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverName, "servername", "", "server name")
	flag.StringVar(&serverKeyFile, "keyfile", "", "private key file")
	flag.StringVar(&serverCertFile, "certfile", "", "certificate file")
	flag.BoolVar(&requireClientCert, "require-client-cert", false, "fail handshakes without a client certificate")
	flag.BoolVar(&echo, "echo", false, "echo what clients send instead of answering with a greeting")
	flag.Parse()

	config := &sslsock.Config{
		ServerName:   serverName,
		Certificates: []*sslsock.Certificate{serverCertificate()},
	}
	if requireClientCert {
		config.VerifyMode = sslsock.VerifyPeer | sslsock.VerifyFailIfNoPeerCert
	}

	ctx, err := sslsock.NewContext(gotls.New(), config)
	if err != nil {
		log.Fatalf("server: %s", err)
	}
	defer ctx.Free()

	service := "0.0.0.0:" + port
	listener, err := sslsock.Listen("tcp", service, ctx, logCallbacks{})
	if err != nil {
		log.Fatalf("server: listen: %s", err)
	}
	log.Print("server: listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("server: accept: %s", err)
			break
		}
		log.Printf("server: accepted from %s", conn.RemoteAddr())
		go handleClient(conn)
	}
}

func handleClient(conn net.Conn) {
	defer conn.Close()
	if echo {
		n, err := io.Copy(conn, conn)
		log.Printf("server: conn: echoed %d bytes: %v", n, err)
		return
	}

	buf := make([]byte, 1024)
	for {
		log.Print("server: conn: waiting")
		_, err := conn.Read(buf)
		if err != nil {
			log.Printf("server: conn: read: %s", err)
			break
		}

		n, err := conn.Write([]byte("hello world\n"))
		log.Printf("server: conn: wrote %d bytes", n)
		if err != nil {
			log.Printf("server: write: %s", err)
			break
		}
	}
	log.Println("server: conn: closed")
}
