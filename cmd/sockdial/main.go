// Command sockdial connects to host:port with a netsock socket and prints the
// resulting endpoints. It is a manual test tool for the address fallback, SOCKS5
// and socket option paths.
package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/joshuafuller/netsock/resolver"
	"github.com/joshuafuller/netsock/socket"
)

type dialOptions struct {
	configFile string
	dnsServers []string
	socks5     string
	localAddr  string
	localPort  int
	timeout    time.Duration
	preferIPv6 bool
	send       string
	verbose    bool

	flags *pflag.FlagSet
}

func main() {
	if err := newDialCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newDialCommand(out io.Writer) *cobra.Command {
	var opts dialOptions

	cmd := &cobra.Command{
		Use:           "sockdial [OPTIONS] HOST PORT",
		Short:         "Connect to HOST:PORT trying every resolved address",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			return runDial(cmd.Context(), out, opts, args[0], port)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "YAML file with resolver, proxy and socket option defaults")
	flags.StringSliceVar(&opts.dnsServers, "dns-server", nil, "Resolve through these name servers (host:port) instead of the system resolver")
	flags.StringVar(&opts.socks5, "socks5", "", "Connect through a SOCKS5 proxy at host:port")
	flags.StringVar(&opts.localAddr, "local-addr", "", "Bind to this local address before connecting")
	flags.IntVar(&opts.localPort, "local-port", 0, "Bind to this local port before connecting")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Connect timeout per address (0 waits indefinitely)")
	flags.BoolVar(&opts.preferIPv6, "prefer-ipv6", false, "Try IPv6 addresses before IPv4 ones")
	flags.StringVar(&opts.send, "send", "", "Write this string after connecting and print the reply")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runDial(ctx context.Context, out io.Writer, opts dialOptions, host string, port int) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.verbose {
		if err := log.SetLevel("debug"); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	mergeFlags(cfg, opts)

	sockOpts, err := socketOptions(cfg)
	if err != nil {
		return err
	}
	sockOpts = append(sockOpts, socket.WithLogger(log.G(ctx).WithField("host", host)))

	var local netip.Addr
	if opts.localAddr != "" {
		if local, err = netip.ParseAddr(opts.localAddr); err != nil {
			return fmt.Errorf("invalid local address: %w", err)
		}
	}

	s, err := socket.DialFrom(host, port, local, opts.localPort, sockOpts...)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := cfg.Options.apply(s); err != nil {
		return err
	}

	fmt.Fprintln(out, s)
	fmt.Fprintf(out, "local:  %s\n", s.LocalEndpoint())
	fmt.Fprintf(out, "remote: %s\n", s.RemoteEndpoint())
	if proxy := s.Proxy(); proxy.IsSOCKS() {
		fmt.Fprintf(out, "proxy:  %s\n", proxy)
	}

	if opts.send == "" {
		return nil
	}
	return exchange(s, out, opts.send)
}

// mergeFlags lets explicitly set flags override the config file.
func mergeFlags(cfg *Config, opts dialOptions) {
	if opts.flags == nil {
		return
	}
	if opts.flags.Changed("dns-server") {
		cfg.DNSServers = opts.dnsServers
	}
	if opts.flags.Changed("socks5") {
		cfg.SOCKS5 = opts.socks5
	}
	if opts.flags.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if opts.flags.Changed("prefer-ipv6") {
		cfg.PreferIPv6 = opts.preferIPv6
	}
}

func socketOptions(cfg *Config) ([]socket.Option, error) {
	var opts []socket.Option
	if len(cfg.DNSServers) > 0 {
		opts = append(opts, socket.WithResolver(&resolver.DNS{Servers: cfg.DNSServers, PreferIPv6: cfg.PreferIPv6}))
	} else {
		opts = append(opts, socket.WithResolver(&resolver.System{PreferIPv6: cfg.PreferIPv6}))
	}
	if cfg.SOCKS5 != "" {
		proxy, err := parseProxy(cfg.SOCKS5)
		if err != nil {
			return nil, err
		}
		opts = append(opts, socket.WithProxy(proxy))
	}
	if cfg.Timeout != 0 {
		opts = append(opts, socket.WithDialTimeout(cfg.Timeout))
	}
	policy, err := cfg.policy()
	if err != nil {
		return nil, err
	}
	if policy != nil {
		opts = append(opts, socket.WithPolicy(policy))
	}
	return opts, nil
}

func exchange(s *socket.Socket, out io.Writer, msg string) error {
	w, err := s.OutputStream()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, msg); err != nil {
		return err
	}
	if err := s.ShutdownOutput(); err != nil {
		return err
	}
	r, err := s.InputStream()
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	return err
}
