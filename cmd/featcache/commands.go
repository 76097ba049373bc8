package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/featcache"
	"github.com/unkn0wn-root/featcache/store"
)

// encodingFor resolves tag, or the extension of path when tag is empty.
func encodingFor(path, tag string) (featcache.Encoding, error) {
	if tag == "" {
		tag = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	return featcache.ParseEncoding(tag)
}

func (a *app) openFile(ctx context.Context, path, tag, strategy string, create bool) (*featcache.FileCache, error) {
	enc, err := encodingFor(path, tag)
	if err != nil {
		return nil, err
	}
	k, err := a.keyer(strategy)
	if err != nil {
		return nil, err
	}
	return featcache.OpenFile(ctx, path, featcache.FileOptions{
		Encoding:        enc,
		Jobs:            a.cfg.Jobs,
		Keyer:           k,
		CreateIfMissing: create,
		PreserveOnExit:  true,
		Logger:          a.log,
		Hooks:           a.hooks,
	})
}

func newInfoCmd(a *app) *cobra.Command {
	var typ string
	var show int
	cmd := &cobra.Command{
		Use:   "info PATH",
		Short: "Summarize a cache file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fc, err := a.openFile(ctx, args[0], typ, "", false)
			if err != nil {
				return err
			}
			defer fc.Close(ctx)

			items, err := fc.Items(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:     %s\n", fc.Name())
			fmt.Fprintf(out, "encoding: %s\n", fc.Encoding())
			fmt.Fprintf(out, "entries:  %d\n", len(items))
			for i := 0; i < show && i < len(items); i++ {
				fmt.Fprintf(out, "%s\t%d\n", items[i].Key, len(items[i].Value))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "file encoding (default: from extension)")
	cmd.Flags().IntVar(&show, "show", 0, "print the first N keys with their dimension")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var typ, strategy string
	cmd := &cobra.Command{
		Use:   "get PATH OBJECT...",
		Short: "Print the cached vector of each raw object",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fc, err := a.openFile(ctx, args[0], typ, strategy, false)
			if err != nil {
				return err
			}
			defer fc.Close(ctx)

			for _, obj := range args[1:] {
				v, err := fc.Lookup(ctx, obj)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", obj, []float64(v))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "file encoding (default: from extension)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "key strategy the file was built with")
	return cmd
}

func newConvertCmd(a *app) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "convert SRC DST",
		Short: "Rewrite a cache file in another encoding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dst, err := encodingFor(args[1], to)
			if err != nil {
				return err
			}
			fc, err := a.openFile(ctx, args[0], from, "", false)
			if err != nil {
				return err
			}
			defer fc.Close(ctx)

			if err := fc.SaveToFile(ctx, args[1], dst); err != nil {
				return err
			}
			n, _ := fc.Len(ctx)
			a.log.Info("converted", featcache.Fields{"src": args[0], "dst": args[1], "encoding": dst.String(), "entries": n})
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source encoding (default: from extension)")
	cmd.Flags().StringVar(&to, "to", "", "target encoding (default: from extension)")
	return cmd
}

func newStateCmd(a *app) *cobra.Command {
	var typ, out, format string
	cmd := &cobra.Command{
		Use:   "state PATH",
		Short: "Print the state dict that reopens a cache file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fc, err := a.openFile(ctx, args[0], typ, "", false)
			if err != nil {
				return err
			}
			defer fc.Close(ctx)

			sd, err := fc.ToStateDict(ctx, false)
			if err != nil {
				return err
			}
			if out == "" {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(sd); err != nil {
					return err
				}
				return enc.Close()
			}

			var f featcache.StateFormat
			switch format {
			case "cbor":
				f = featcache.StateCBOR
			case "json":
				f = featcache.StateJSON
			case "proto":
				f = featcache.StateProto
			default:
				return fmt.Errorf("unknown state format %q", format)
			}
			b, err := featcache.EncodeState(sd, f)
			if err != nil {
				return err
			}
			return os.WriteFile(out, b, 0o644)
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "file encoding (default: from extension)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the encoded state here instead of YAML on stdout")
	cmd.Flags().StringVar(&format, "format", "cbor", "cbor, json or proto (with --out)")
	return cmd
}

func newKeysCmd(a *app) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "keys [RECORD...]",
		Short: "Derive cache keys for records (stdin when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.keyer(strategy)
			if err != nil {
				return err
			}
			records := args
			if len(records) == 0 {
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					if line := sc.Text(); strings.TrimSpace(line) != "" {
						records = append(records, line)
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			keys, err := k.DeriveAll(cmd.Context(), records, a.cfg.Jobs)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(cmd.OutOrStdout())
			for i, key := range keys {
				fmt.Fprintf(w, "%s\t%s\n", key, records[i])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "unique_id, sha256 or canonical")
	return cmd
}

func newPushCmd(a *app) *cobra.Command {
	var typ, url, key string
	cmd := &cobra.Command{
		Use:   "push PATH",
		Short: "Seed a Redis-backed shared cache from a cache file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fc, err := a.openFile(ctx, args[0], typ, "", false)
			if err != nil {
				return err
			}
			defer fc.Close(ctx)
			items, err := fc.Items(ctx)
			if err != nil {
				return err
			}

			opts, err := goredis.ParseURL(coalesce(url, a.cfg.Redis.URL))
			if err != nil {
				return fmt.Errorf("redis url: %w", err)
			}
			rdb := goredis.NewClient(opts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				_ = rdb.Close()
				return fmt.Errorf("redis: %w", err)
			}
			st, err := store.NewRedis(store.RedisConfig{
				Client:      rdb,
				Key:         coalesce(key, a.cfg.Redis.Key, appName+":"+fc.Name()),
				Timeout:     a.cfg.Redis.Timeout,
				CloseClient: true,
			})
			if err != nil {
				_ = rdb.Close()
				return err
			}
			sc, err := featcache.NewShared(ctx, featcache.SharedOptions{
				Name:   fc.Name(),
				Keyer:  fc.Keyer(),
				Store:  st,
				Logger: a.log,
				Hooks:  a.hooks,
			})
			if err != nil {
				_ = st.Close(ctx)
				return err
			}
			featcache.ReleaseOnShutdown(sc)
			defer sc.Close(ctx)

			if err := sc.Import(ctx, items); err != nil {
				return err
			}
			a.log.Info("pushed", featcache.Fields{"src": args[0], "cache": sc.Name(), "entries": len(items)})
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "file encoding (default: from extension)")
	cmd.Flags().StringVar(&url, "redis-url", "", "redis URL (default from config)")
	cmd.Flags().StringVar(&key, "key", "", "hash key (default featcache:<name>)")
	return cmd
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
