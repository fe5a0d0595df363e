// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nishisan-dev/n-upload/internal/apiclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "127.0.0.1:9848"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("NUPLOAD")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "nupload-ctl",
		Short:        "Control an nupload-server through its HTTP API",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("server", defaultServer, "server API address (env NUPLOAD_SERVER)")
	root.PersistentFlags().Duration("timeout", apiclient.DefaultTimeout, "request timeout (env NUPLOAD_TIMEOUT)")
	v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	root.AddCommand(
		newTriggerCmd(v),
		newClientsCmd(v),
		newUploadsCmd(v),
		newEventsCmd(v),
		newWatchCmd(v),
	)
	return root
}

// newClient cria o cliente da API a partir de --server / NUPLOAD_SERVER.
func newClient(v *viper.Viper) (*apiclient.Client, error) {
	return apiclient.New(v.GetString("server"))
}

func requestTimeout(v *viper.Viper) time.Duration {
	if d := v.GetDuration("timeout"); d > 0 {
		return d
	}
	return apiclient.DefaultTimeout
}

// printJSON escreve v indentado, como a API responde.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
