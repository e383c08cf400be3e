// Command healthctl probes a gRPC health service.
//
//	healthctl check -addr localhost:9000 -service orders
//	healthctl watch -addr localhost:9000 -service orders
//	healthctl check -etcd 127.0.0.1:2379 -name healthd -service orders
//	healthctl instances -etcd 127.0.0.1:2379 -name healthd -follow
//
// With -etcd the server address is taken from the first instance registered
// under -name. check exits 0 when the service is SERVING and 1 otherwise.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kanengo/healthd/errors"
	"github.com/kanengo/healthd/registry"
	"github.com/kanengo/healthd/registry/etcd"
	grpctransport "github.com/kanengo/healthd/transport/grpc"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const usage = "usage: healthctl check|watch|instances [-addr host:port] [-service name] [-timeout 2s] [-tls] [-insecure-skip-verify]\n" +
	"       [-etcd host:port,...] [-name healthd] [-namespace /healthd] [-follow]"

// errNotServing makes check exit non-zero without printing an error.
var errNotServing = errors.New(int32(codes.Unavailable), "NOT_SERVING", "service is not serving")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errNotServing) {
			fmt.Fprintf(os.Stderr, "healthctl: %v\n", err)
		}
		os.Exit(1)
	}
}

type flags struct {
	addr               string
	service            string
	timeout            time.Duration
	tls                bool
	insecureSkipVerify bool

	etcd      string
	name      string
	namespace string
	follow    bool
}

func parse(name string, args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.addr, "addr", "localhost:9000", "server address")
	fs.StringVar(&f.service, "service", "", "service name, empty for the whole server")
	fs.DurationVar(&f.timeout, "timeout", 2*time.Second, "dial and check timeout")
	fs.BoolVar(&f.tls, "tls", false, "use TLS")
	fs.BoolVar(&f.insecureSkipVerify, "insecure-skip-verify", false, "skip server certificate verification")
	fs.StringVar(&f.etcd, "etcd", "", "comma separated etcd endpoints to discover the server from")
	fs.StringVar(&f.name, "name", "healthd", "registered name of the server")
	fs.StringVar(&f.namespace, "namespace", "/healthd", "registry namespace")
	fs.BoolVar(&f.follow, "follow", false, "instances: print the list again on every change")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w\n%s", err, usage)
	}
	return f, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf(usage)
	}
	cmd := args[0]
	if cmd != "check" && cmd != "watch" && cmd != "instances" {
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	f, err := parse(cmd, args[1:])
	if err != nil {
		return err
	}

	if f.etcd != "" {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(f.etcd, ","),
			DialTimeout: f.timeout,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		d := etcd.New(client, etcd.Namespace(f.namespace), etcd.Timeout(f.timeout))

		if cmd == "instances" {
			return instances(ctx, d, f.name, f.follow, f.timeout, out)
		}
		resolveCtx, cancel := context.WithTimeout(ctx, f.timeout)
		f.addr, err = resolve(resolveCtx, d, f.name)
		cancel()
		if err != nil {
			return err
		}
	} else if cmd == "instances" {
		return fmt.Errorf("instances needs -etcd\n%s", usage)
	}

	conn, err := dial(ctx, f)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	if cmd == "check" {
		return check(ctx, client, f.service, out)
	}
	return watch(ctx, client, f.service, out)
}

func dial(ctx context.Context, f *flags) (*grpc.ClientConn, error) {
	opts := []grpctransport.ClientOption{
		grpctransport.WithEndpoint(f.addr),
		grpctransport.WithTimeout(f.timeout),
	}
	if f.tls {
		opts = append(opts, grpctransport.WithTLSConfig(&tls.Config{
			InsecureSkipVerify: f.insecureSkipVerify, //nolint:gosec
		}))
		return grpctransport.Dial(ctx, opts...)
	}
	return grpctransport.DialInsecure(ctx, opts...)
}

func check(ctx context.Context, client grpc_health_v1.HealthClient, service string, out io.Writer) error {
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return describe(err)
	}
	fmt.Fprintln(out, resp.GetStatus())
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errNotServing
	}
	return nil
}

func watch(ctx context.Context, client grpc_health_v1.HealthClient, service string, out io.Writer) error {
	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return describe(err)
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return describe(err)
		}
		fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.RFC3339), resp.GetStatus())
	}
}

// resolve returns the gRPC address of the first instance registered under name.
func resolve(ctx context.Context, d registry.Discovery, name string) (string, error) {
	items, err := d.ListService(ctx, name)
	if err != nil {
		return "", err
	}
	for _, ins := range items {
		if addr, ok := grpcAddr(ins); ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no instance of %q with a grpc endpoint", name)
}

func grpcAddr(ins *registry.ServiceInstance) (string, bool) {
	for _, e := range ins.Endpoints {
		u, err := url.Parse(e)
		if err == nil && u.Scheme == "grpc" && u.Host != "" {
			return u.Host, true
		}
	}
	return "", false
}

func instances(ctx context.Context, d registry.Discovery, name string, follow bool, timeout time.Duration, out io.Writer) error {
	if !follow {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		items, err := d.ListService(ctx, name)
		if err != nil {
			return err
		}
		printInstances(out, items)
		return nil
	}

	w, err := d.Watch(ctx, name)
	if err != nil {
		return err
	}
	defer w.Stop()
	for {
		items, err := w.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s %d instances\n", time.Now().Format(time.RFC3339), len(items))
		printInstances(out, items)
	}
}

func printInstances(out io.Writer, items []*registry.ServiceInstance) {
	for _, ins := range items {
		fmt.Fprintf(out, "%s %s\n", ins, strings.Join(ins.Endpoints, " "))
	}
}

func describe(err error) error {
	se := errors.FromError(err)
	return fmt.Errorf("%s: %s (%s)", codes.Code(se.Code), se.Message, se.Reason)
}
