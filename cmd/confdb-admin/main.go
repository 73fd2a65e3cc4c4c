// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// confdb-admin inspects a store offline, the store must not be held by a
// running confdb. The stats command asks running servers instead.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/spf13/cobra"

	"github.com/cubefs/confdb/client"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/server"
	"github.com/cubefs/confdb/store"
)

type flags struct {
	config string
	fields []string
	addrs  string
}

func main() {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "Offline inspection of a confdb object store",
		Args:  cobra.NoArgs,
		// errors are printed below
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&f.config, "config", "f", "confdb.json", "confdb config file")

	cmd.AddCommand(
		newWalk(f),
		newCheck(f),
		newRead(f),
		newResolve(f),
		newStats(f),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// open loads the config file and opens the store, which walks it once.
func open(ctx context.Context, f *flags) (*server.Server, error) {
	log.SetOutputLevel(log.Lwarn)
	cfg := &server.Config{}
	if err := config.LoadFile(cfg, f.config); err != nil {
		return nil, fmt.Errorf("load config %s: %w", f.config, err)
	}
	return server.NewServer(ctx, cfg)
}

func printJSON(v interface{}) error {
	data, err := proto.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func withServer(f *flags, fn func(ctx context.Context, s *server.Server) error) error {
	_, ctx := trace.StartSpanFromContext(context.Background(), "confdb-admin")
	s, err := open(ctx, f)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newWalk(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "walk",
		Short: "Walk every object row and print the walk statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withServer(f, func(ctx context.Context, s *server.Server) error {
				ret, err := s.Walker().Walk(ctx)
				if err != nil {
					return err
				}
				return printJSON(ret.Stats)
			})
		},
	}
}

func newCheck(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the cross row invariants of the store",
		Long: `Check reports refs whose peer row or mirror column is missing, parents
missing the children link of a row and drift between rows and the fq name
index. It exits non zero on any violation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withServer(f, func(ctx context.Context, s *server.Server) error {
				vs, err := s.Store().Check(ctx)
				if err != nil {
					return err
				}
				for _, v := range vs {
					fmt.Println(v)
				}
				if len(vs) > 0 {
					return fmt.Errorf("%d violations", len(vs))
				}
				return nil
			})
		},
	}
}

func newRead(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "read <type> <uuid>...",
		Short:   "Read objects by uuid",
		Example: "  confdb-admin read virtual_network 9f4d1f4e-5c1b-4d8a-8a40-0e6a3a1c2b3d --fields name,network_ipam_refs",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withServer(f, func(ctx context.Context, s *server.Server) error {
				objs, err := s.ReadMany(ctx, args[0], args[1:], &store.ReadOption{Fields: f.fields})
				if err != nil {
					return err
				}
				return printJSON(objs)
			})
		},
	}
	cmd.Flags().StringSliceVar(&f.fields, "fields", nil, "fields to render, all when empty")
	return cmd
}

func newResolve(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve <type> <fq_name>",
		Short:   "Resolve a colon separated fq_name to its uuid",
		Example: "  confdb-admin resolve project default-domain:admin",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withServer(f, func(ctx context.Context, s *server.Server) error {
				uuid, err := s.FQNameToUUID(ctx, args[0], strings.Split(args[1], ":"))
				if err != nil {
					return err
				}
				fmt.Println(uuid)
				return nil
			})
		},
	}
}

func newStats(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the cache, walk and limiter state of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := client.NewAdminClient(&client.Config{Addresses: f.addrs})
			if err != nil {
				return err
			}
			defer c.Close()
			_, ctx := trace.StartSpanFromContext(context.Background(), "confdb-admin")
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	cmd.Flags().StringVar(&f.addrs, "addr", "127.0.0.1:8082", "comma separated admin addresses")
	return cmd
}
