package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/goccy/go-json"
	"github.com/hula-im/hula-core/internal/apiclient"
	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/hula-im/hula-core/internal/command"
	"github.com/hula-im/hula-core/internal/media"
	"github.com/spf13/cobra"
)

// newRootCommand builds the CLI. The returned cleanup releases whatever the
// invoked command set up, whether or not it succeeded.
func newRootCommand() (*cobra.Command, func(context.Context)) {
	var a *app

	root := &cobra.Command{
		Use:   "hula-core",
		Short: "Authenticated IM API client and Matrix media cache",
		Long: `hula-core is the data-access core of the Hula desktop client. It calls the
IM backend under a refreshable token session and keeps a local cache of
Matrix media.

Environment Variables:
  IM_API_BASE_URL         Backend base URL (required)
  IM_API_TOKEN            Access token to start the session with
  IM_API_REFRESH_TOKEN    Refresh token to start the session with
  MATRIX_HOMESERVER_URL   Homeserver serving media (required)
  MEDIA_CACHE_DIR         Media cache directory`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(cmd.Context())
			return err
		},
	}

	appFn := func() *app { return a }

	root.AddCommand(
		newInvokeCommand(appFn),
		newLoginCommand(appFn),
		newAPICommand(appFn),
		newMediaCommand(appFn),
	)

	cleanup := func(ctx context.Context) {
		if a != nil {
			a.close(ctx)
		}
	}

	return root, cleanup
}

// runCommand invokes a core command and prints its result. A failed command
// fails the CLI with the command's message.
func runCommand(cmd *cobra.Command, a *app, name string, args any) error {
	var payload []byte
	if args != nil {
		var err error
		payload, err = json.Marshal(args)
		if err != nil {
			return err
		}
	}

	resp := a.dispatcher.Invoke(cmd.Context(), name, payload)
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp command.Response) error {
	if resp.Failed() {
		return errors.New(resp.Error)
	}
	return printJSON(cmd.OutOrStdout(), resp.Result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail reports err the way a command failure is reported.
func fail(err error) error {
	return errors.New(apperr.Message(err))
}

func newInvokeCommand(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <command> [json-arguments]",
		Short: "Invoke a core command by name with JSON arguments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			return printResponse(cmd, a().dispatcher.Invoke(cmd.Context(), args[0], payload))
		},
	}
}

func newLoginCommand(a func() *app) *cobra.Command {
	req := apiclient.LoginRequest{
		DeviceType: "PC",
		SystemType: "2",
		GrantType:  "PASSWORD",
	}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print the new session tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				req.Password = os.Getenv("IM_API_PASSWORD")
			}
			return runCommand(cmd, a(), "login", req)
		},
	}

	cmd.Flags().StringVar(&req.Account, "account", "", "account name")
	cmd.Flags().StringVar(&req.Password, "password", "", "password (defaults to IM_API_PASSWORD)")
	cmd.Flags().StringVar(&req.ClientID, "client-id", "", "client identifier sent with the login")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

// parseParams converts repeated key=value flags into query parameters.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[k] = v
	}
	return params, nil
}

func newAPICommand(a func() *app) *cobra.Command {
	api := &cobra.Command{
		Use:   "api",
		Short: "Call backend endpoints",
	}

	var (
		body   string
		params []string
	)

	call := &cobra.Command{
		Use:   "call <endpoint>",
		Short: "Call a catalog endpoint and print its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseParams(params)
			if err != nil {
				return err
			}

			reqArgs := map[string]any{"url": args[0]}
			if body != "" {
				reqArgs["body"] = json.RawMessage(body)
			}
			if query != nil {
				reqArgs["params"] = query
			}

			return runCommand(cmd, a(), "im_request", reqArgs)
		},
	}
	call.Flags().StringVar(&body, "body", "", "JSON request body")
	call.Flags().StringArrayVar(&params, "param", nil, "query parameter as key=value (repeatable)")

	stream := &cobra.Command{
		Use:   "stream <endpoint>",
		Short: "Call a streaming catalog endpoint and print events as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a().client

			endpoint, ok := client.Catalog().Lookup(args[0])
			if !ok {
				return fail(fmt.Errorf("%w: %q", apiclient.ErrUnknownEndpoint, args[0]))
			}

			query, err := parseParams(params)
			if err != nil {
				return err
			}

			req := apiclient.Request{Method: endpoint.Method, Path: endpoint.Path}
			if body != "" {
				req.Body = json.RawMessage(body)
			}
			if query != nil {
				req.Query = stringParams(query)
			}

			s, err := client.Stream(cmd.Context(), req)
			if err != nil {
				return fail(err)
			}
			defer s.Close()

			for {
				ev, err := s.Next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fail(apperr.Wrap(apperr.KindTransport, err, "stream interrupted"))
				}
				if err := printJSON(cmd.OutOrStdout(), ev); err != nil {
					return err
				}
			}
		},
	}
	stream.Flags().StringVar(&body, "body", "", "JSON request body")
	stream.Flags().StringArrayVar(&params, "param", nil, "query parameter as key=value (repeatable)")

	endpoints := &cobra.Command{
		Use:   "endpoints",
		Short: "List catalog endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := a().client.Catalog()
			for _, name := range catalog.Names() {
				ep, _ := catalog.Lookup(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-6s %s\n", name, ep.Method, ep.Path)
			}
			return nil
		},
	}

	api.AddCommand(call, stream, endpoints)
	return api
}

func stringParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func newMediaCommand(a func() *app) *cobra.Command {
	mediaCmd := &cobra.Command{
		Use:   "media",
		Short: "Manage the local media cache",
	}

	var (
		force   bool
		maxSize int64
	)

	get := &cobra.Command{
		Use:   "get <mxc-uri>",
		Short: "Return the cached file for a content URI, downloading it when absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqArgs := map[string]any{"mxc_uri": args[0], "force": force}
			if cmd.Flags().Changed("max-size") {
				reqArgs["max_size"] = maxSize
			}
			return runCommand(cmd, a(), "download_media", reqArgs)
		},
	}
	get.Flags().BoolVar(&force, "force", false, "download even when cached")
	get.Flags().Int64Var(&maxSize, "max-size", 0, "maximum size in bytes (defaults to MEDIA_MAX_DOWNLOAD_BYTES)")

	del := &cobra.Command{
		Use:   "delete <mxc-uri>",
		Short: "Remove a cached file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, a(), "delete_cached_media", map[string]any{"mxc_uri": args[0]})
		},
	}

	lookup := &cobra.Command{
		Use:   "lookup <mxc-uri>",
		Short: "Report whether a content URI is cached, without network access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, a(), "lookup_media", map[string]any{"mxc_uri": args[0]})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, a(), "clear_media_cache", nil)
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the media cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, a(), "get_media_cache_stats", nil)
		},
	}

	var quiet bool
	preload := &cobra.Command{
		Use:   "preload <mxc-uri>...",
		Short: "Cache several content URIs, skipping any that fail",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []media.PreloadOption
			if !quiet {
				bar := pb.ProgressBarTemplate(`{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }}`).
					New(len(args)).
					SetWriter(cmd.ErrOrStderr()).
					Start()
				bar.Set("prefix", "Preloading: ")
				defer bar.Finish()

				opts = append(opts, media.WithProgress(func(done, total int, uri string, err error) {
					bar.SetCurrent(int64(done))
				}))
			}

			count := a().media.Preload(cmd.Context(), args, opts...)
			fmt.Fprintln(cmd.OutOrStdout(), strconv.Itoa(count))
			return nil
		},
	}
	preload.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show progress")

	mediaCmd.AddCommand(get, del, lookup, clearCmd, stats, preload)
	return mediaCmd
}
