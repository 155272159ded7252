package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kalambet/taskmem/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "taskmem",
	Short: "Task orchestration and workflow memory engine",
	Long: `taskmem runs automation tasks from a durable priority queue, reports
progress to chats through an asynchronous message dispatcher and learns
reusable workflows from past executions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor = viper.GetBool("no-color")
	},
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKMEM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "config file (default "+config.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("no-color", rootCmd.PersistentFlags().Lookup("no-color"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd, migrateCmd, mcpCmd, versionCmd)
	rootCmd.AddCommand(tasksCmd, messagesCmd, workflowsCmd, toolsCmd, configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("taskmem", version)
	},
}

func loadConfig() (config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func jsonOutput() bool {
	return viper.GetBool("json")
}
