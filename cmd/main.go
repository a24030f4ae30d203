/*
Copyright 2024 FleetSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fleetcore/fleetsync"
	"github.com/fleetcore/fleetsync/config"
	"github.com/fleetcore/fleetsync/internal/notification"
	"github.com/fleetcore/fleetsync/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// FleetSync represents the CLI application, encapsulating the root Cobra command.
type FleetSync struct {
	cmd *cobra.Command
}

// fleetsyncInstance holds the engine instance and its configuration for use
// by the subcommands.
type fleetsyncInstance struct {
	engine *fleetsync.Engine
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the engine before running
// any command.
func preRun(app *fleetsyncInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("fleetsync.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupEngine(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = engine
		app.cnf = cnf

		return nil
	}
}

// setupEngine creates the backing store from the configuration and wires a
// new engine on top of it.
func setupEngine(cfg *config.Configuration) (*fleetsync.Engine, error) {
	kv, err := store.NewKeyValueStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening store: %v", err)
	}

	engine, err := fleetsync.NewEngine(kv)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %v", err)
	}
	return engine, nil
}

// NewCLI creates the command-line interface for the FleetSync client.
func NewCLI() *FleetSync {
	var configFile string
	f := &fleetsyncInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fleetsync",
		Short: "Offline-first sync engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fleetsync.json", "Configuration file for fleetsync")

	rootCmd.PersistentPreRunE = preRun(f)

	rootCmd.AddCommand(serverCommands(f))
	rootCmd.AddCommand(workerCommands(f))
	rootCmd.AddCommand(configCommands())

	return &FleetSync{cmd: rootCmd}
}

func (w FleetSync) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
