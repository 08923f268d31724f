// Command httpflow-fetch issues a single request with the httpflow client
// and writes the response body to stdout, exercising the streaming path
// end to end.
//
//	httpflow-fetch http://example.com/x
//	httpflow-fetch --method POST --body 'payload' --header 'X-Token: abc' http://example.com/submit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/httpflow/httpflow"
)

type fetchOptions struct {
	method       string
	headers      []string
	body         string
	connectTO    time.Duration
	readTO       time.Duration
	maxRedirects int
	maxLength    int64
	chunkSize    int
	noDecompress bool
	stream       bool
	verbose      bool
	basicAuth    string
}

func newRootCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:          "httpflow-fetch URL",
		Short:        "Fetch a URL with the httpflow streaming client",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.method, "method", "X", "GET", "request method")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "request header, 'Name: value' (repeatable)")
	flags.StringVarP(&opts.body, "body", "d", "", "request body text")
	flags.DurationVar(&opts.connectTO, "connect-timeout", 30*time.Second, "connect timeout")
	flags.DurationVar(&opts.readTO, "read-timeout", 30*time.Second, "read timeout")
	flags.IntVar(&opts.maxRedirects, "max-redirects", 10, "maximum redirect hops")
	flags.Int64Var(&opts.maxLength, "max-length", -1, "maximum buffered response length, -1 for unbounded")
	flags.IntVar(&opts.chunkSize, "chunk-size", 8192, "maximum response chunk size")
	flags.BoolVar(&opts.noDecompress, "no-decompress", false, "disable automatic response decompression")
	flags.BoolVar(&opts.stream, "stream", false, "stream chunks to stdout as they arrive instead of buffering")
	flags.StringVar(&opts.basicAuth, "basic-auth", "", "basic auth credentials, 'user:pass'")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log request progress to stderr")

	return cmd
}

func run(ctx context.Context, rawURI string, opts *fetchOptions) error {
	log := zap.NewNop()
	if opts.verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer log.Sync()
	}

	client := httpflow.NewClient(httpflow.WithLogger(log))
	defer client.Close()

	configurator := func(b *httpflow.RequestBuilder) error {
		b.Method = strings.ToUpper(opts.method)
		b.ConnectTimeout = opts.connectTO
		b.ReadTimeout = opts.readTO
		b.MaxRedirects = opts.maxRedirects
		b.MaxResponseLength = opts.maxLength
		b.ResponseMaxChunkSize = opts.chunkSize
		b.DecompressResponse = !opts.noDecompress

		for _, h := range opts.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok {
				return fmt.Errorf("malformed header %q, want 'Name: value'", h)
			}
			b.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
		if opts.basicAuth != "" {
			user, pass, _ := strings.Cut(opts.basicAuth, ":")
			if err := httpflow.WithBasicAuth(user, pass)(b); err != nil {
				return err
			}
		}
		if opts.body != "" {
			if err := httpflow.WithTextBody(opts.body)(b); err != nil {
				return err
			}
		}
		return nil
	}

	if !opts.stream {
		resp, err := client.Fetch(ctx, rawURI, configurator)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, resp.Head.String())
		_, err = os.Stdout.Write(resp.Body)
		return err
	}

	streamed, err := client.Execute(ctx, rawURI, configurator)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, streamed.Head.String())
	for chunk, err := range streamed.Chunks(ctx) {
		if err != nil {
			return err
		}
		_, werr := os.Stdout.Write(chunk.Bytes())
		chunk.Release()
		if werr != nil {
			return werr
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "httpflow-fetch:", err)
		os.Exit(1)
	}
}
