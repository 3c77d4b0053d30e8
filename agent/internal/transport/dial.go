package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/loggysh/loggy-go/agent/internal/config"
	"github.com/loggysh/loggy-go/pkg/wire"
)

// ClientName is sent in the "client" header of every call.
const ClientName = "go"

// Header keys attached to every call.
const (
	HeaderAPIKey = "api_key"
	HeaderClient = "client"
)

// Options configures Dial.
type Options struct {
	APIKey string
	Auth   config.AuthConfig

	// Compression is "zstd" or "none".
	Compression string

	// Extra dial options, appended last. Tests use this to inject dialers.
	Extra []grpc.DialOption
}

// Dial opens a non-blocking client connection to ep.
func Dial(ctx context.Context, ep Endpoint, opts Options) (*grpc.ClientConn, error) {
	creds, err := transportCreds(ep, opts.Auth)
	if err != nil {
		return nil, fmt.Errorf("transport: credentials: %w", err)
	}

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(wire.CodecName)}
	if opts.Compression != "none" {
		callOpts = append(callOpts, grpc.UseCompressor(wire.CompressorName))
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithChainUnaryInterceptor(HeaderUnary(opts.APIKey)),
		grpc.WithChainStreamInterceptor(HeaderStream(opts.APIKey)),
	}
	dialOpts = append(dialOpts, opts.Extra...)

	conn, err := grpc.DialContext(ctx, ep.Addr, dialOpts...) //nolint:staticcheck // DialContext kept for grpc 1.62 compat
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep, err)
	}
	return conn, nil
}

// transportCreds picks TLS from the endpoint scheme; mtls mode always uses
// TLS and presents a client certificate.
func transportCreds(ep Endpoint, auth config.AuthConfig) (credentials.TransportCredentials, error) {
	if auth.Mode != "mtls" && !ep.TLS {
		return insecure.NewCredentials(), nil
	}

	tlsCfg, err := tlsConfig(auth)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tlsCfg), nil
}

// tlsConfig builds the client TLS config for auth: the CA pool when
// CAFile is set and the client certificate in mtls mode.
func tlsConfig(auth config.AuthConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func withHeaders(ctx context.Context, apiKey string) context.Context {
	kv := []string{HeaderClient, ClientName}
	if apiKey != "" {
		kv = append(kv, HeaderAPIKey, apiKey)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// HeaderUnary attaches the client headers to unary calls.
func HeaderUnary(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(withHeaders(ctx, apiKey), method, req, reply, cc, opts...)
	}
}

// HeaderStream attaches the client headers to streaming calls.
func HeaderStream(apiKey string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(withHeaders(ctx, apiKey), desc, cc, method, opts...)
	}
}
