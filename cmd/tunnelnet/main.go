package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	"tunnelnet/internal/address"
	"tunnelnet/internal/capability"
	"tunnelnet/internal/client"
	"tunnelnet/internal/conn"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/httpframe"
	"tunnelnet/internal/shared/config"
	"tunnelnet/internal/shared/logging"
)

var (
	configFile   string
	proxyURL     string
	logLevel     string
	rootCAFile   string
	rootCASecret string
	capabilities []string
	insecure     bool
	saveConfig   bool

	method  string
	headers []string
	body    string
	timeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tunnelnet",
		Short:         "Tunnelled TCP, HTTP and HTTPS client",
		Long:          "tunnelnet - emulates TCP, HTTP and HTTPS connections over one WebSocket per connection to a relay proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path")
	flags.StringVar(&proxyURL, "proxy", "", "Proxy base URL (ws:// or wss://)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&rootCAFile, "ca", "", "PEM file with root CAs for HTTPS")
	flags.StringVar(&rootCASecret, "ca-secret", "", "AWS Secrets Manager secret holding root CAs")
	flags.StringSliceVar(&capabilities, "capabilities", nil, "Capabilities to enable, e.g. tcp,http,https_tls1_3")
	flags.BoolVar(&insecure, "insecure", false, "Skip HTTPS certificate verification")
	flags.BoolVar(&saveConfig, "save-config", false, "Write the effective configuration back to --config")

	requestCmd := &cobra.Command{
		Use:   "request <url>",
		Short: "Send one HTTP or HTTPS request through the proxy",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequest,
	}
	requestCmd.Flags().StringVarP(&method, "method", "X", "GET", "Request method")
	requestCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Request header 'Name: Value' (repeatable)")
	requestCmd.Flags().StringVarP(&body, "data", "d", "", "Request body")
	requestCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the response")

	tcpCmd := &cobra.Command{
		Use:   "tcp <addr> <payload>",
		Short: "Send a payload over a tunnelled TCP connection and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE:  runTCP,
	}
	tcpCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the reply")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "capabilities",
			Short: "List configured and built-in capabilities",
			Args:  cobra.NoArgs,
			RunE:  runCapabilities,
		},
		&cobra.Command{
			Use:   "id <capability>",
			Short: "Generate a connection id",
			Args:  cobra.ExactArgs(1),
			RunE:  runID,
		},
		&cobra.Command{
			Use:   "resolve <capability> <endpoint>",
			Short: "Resolve an endpoint to host:port",
			Args:  cobra.ExactArgs(2),
			RunE:  runResolve,
		},
		requestCmd,
		tcpCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges file, environment and flags
func loadConfig(logger *logging.Logger) (*client.Config, error) {
	overrides := make(map[string]interface{})
	if proxyURL != "" {
		overrides["proxy_url"] = proxyURL
	}
	if logLevel != "" {
		overrides["log_level"] = logLevel
	}
	if rootCAFile != "" {
		overrides["root_ca_file"] = rootCAFile
	}
	if rootCASecret != "" {
		overrides["root_ca_secret"] = rootCASecret
	}
	if len(capabilities) > 0 {
		overrides["capabilities"] = capabilities
	}
	if insecure {
		overrides["insecure_skip_verify"] = true
	}

	cfg, err := client.LoadConfig(configFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.SetDefaultLevel(cfg.LogLevel)
	logger.SetLevel(cfg.LogLevel)

	if saveConfig && configFile != "" {
		if err := config.SaveConfig(configFile, cfg); err != nil {
			logger.Warn("Failed to save configuration", "error", err.Error())
		} else {
			logger.Info("Configuration saved", "file", configFile)
		}
	}

	return cfg, nil
}

func newClient(ctx context.Context, logger *logging.Logger) (*client.Client, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}
	return client.New(ctx, *cfg, client.WithLogger(logger))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger("cli")
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configured: %s\n", strings.Join(cfg.CapabilitySet().Strings(), " "))
	fmt.Fprintf(out, "built-in:   %s\n", strings.Join(client.ImplCapabilities(), " "))
	return nil
}

func runID(cmd *cobra.Command, args []string) error {
	c, err := capability.Parse(args[0])
	if err != nil {
		return err
	}

	id, err := connid.NewAllocator().Generate(c)
	if err != nil {
		return err
	}
	p := id.Unpack()
	fmt.Fprintf(cmd.OutOrStdout(), "%d\ttime=%s capability=%s counter=%d\n",
		uint64(id), id.Time().UTC().Format(time.RFC3339Nano), c, p.Counter)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	c, err := capability.Parse(args[0])
	if err != nil {
		return err
	}

	resolved, err := address.Split(c, args[1])
	if err != nil {
		return fmt.Errorf("cannot resolve %q: %w", args[1], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resolved)
	return nil
}

func runRequest(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger("cli")

	target, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("url must be http:// or https://, got %q", args[0])
	}

	req, err := buildRequest(target)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	cl, err := newClient(ctx, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	endpoint := target.Scheme + "://" + target.Host
	var result <-chan conn.Result
	if target.Scheme == "https" {
		h, err := cl.CreateHTTPSConnection(ctx, endpoint)
		if err != nil {
			return err
		}
		result, err = h.Send(req)
		if err != nil {
			return err
		}
	} else {
		h, err := cl.CreateHTTPConnection(ctx, endpoint)
		if err != nil {
			return err
		}
		result, err = h.Send(req)
		if err != nil {
			return err
		}
	}

	logger.Info("Request sent", "method", req.Method, "url", target.String(), "size", sizestr.ToString(int64(len(req.Bytes()))))

	select {
	case r := <-result:
		if r.Err != nil {
			return r.Err
		}
		logger.Info("Response received", "status", r.Response.StatusCode, "size", sizestr.ToString(int64(len(r.Response.Body))))
		return printResponse(cmd.OutOrStdout(), r.Response)
	case <-time.After(timeout):
		return fmt.Errorf("no response within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildRequest(target *url.URL) (*httpframe.Request, error) {
	path := target.RequestURI()

	req := &httpframe.Request{
		Method:  strings.ToUpper(method),
		Path:    path,
		Headers: []httpframe.Header{{Name: "Host", Value: target.Host}},
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: Value'", h)
		}
		req.Headers = append(req.Headers, httpframe.Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	if body != "" {
		req.Body = []byte(body)
	}
	return req, nil
}

func printResponse(w io.Writer, resp *httpframe.Response) error {
	fmt.Fprintf(w, "HTTP/1.1 %d\n", resp.StatusCode)
	for _, h := range resp.Headers {
		fmt.Fprintf(w, "%s: %s\n", h.Name, h.Value)
	}
	fmt.Fprintln(w)
	_, err := w.Write(resp.Body)
	return err
}

func runTCP(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger("cli")

	ctx, cancel := signalContext()
	defer cancel()

	cl, err := newClient(ctx, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	tcp, err := cl.CreateTCPConnection(ctx, args[0])
	if err != nil {
		return err
	}

	result, err := tcp.Send([]byte(args[1]))
	if err != nil {
		return err
	}
	logger.Info("Payload sent", "addr", tcp.Address(), "size", sizestr.ToString(int64(len(args[1]))))

	select {
	case r := <-result:
		if r.Err != nil {
			return r.Err
		}
		logger.Info("Reply received", "size", sizestr.ToString(int64(len(r.Data))))
		_, err := cmd.OutOrStdout().Write(r.Data)
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no reply within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
