/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/dyldex/internal/colors"
	"github.com/blacktop/dyldex/internal/commands/dsc"
	"github.com/blacktop/dyldex/internal/magic"
	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/caarlos0/ctrlc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// Color boolean flag for colorized output
	Color bool
	// AppVersion stores the plugin's version
	AppVersion string
	// AppBuildTime stores the plugin's build time
	AppBuildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dyldex <DSC>",
	Short: "Extract standalone dylibs from a dyld_shared_cache",
	Example: heredoc.Doc(`
		# List every image in the cache
		❯ dyldex dyld_shared_cache_arm64e --list-frameworks
		# List images whose path contains "kit"
		❯ dyldex dyld_shared_cache_arm64e -l -f kit
		# Extract UIKitCore to binaries/UIKitCore
		❯ dyldex dyld_shared_cache_arm64e -e UIKitCore
		# Extract every WebKit image into /tmp/webkit
		❯ dyldex dyld_shared_cache_arm64e --all -f WebKit -o /tmp/webkit`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.SetLevel(logLevel(viper.GetInt("verbosity")))
		if cmd.Flags().Changed("color") {
			colors.Init(&Color)
		}

		// flags
		name := viper.GetString("extract")
		listImages := viper.GetBool("list-frameworks")
		extractAll := viper.GetBool("all")
		filter := viper.GetString("filter")
		// validate flags
		if !listImages && !extractAll && name == "" {
			return fmt.Errorf("must specify one of --extract, --list-frameworks or --all")
		}
		if listImages && (extractAll || name != "") {
			return fmt.Errorf("cannot extract while listing images")
		}

		conf := &dsc.Config{
			Output:         viper.GetString("output"),
			NullUnresolved: viper.GetBool("null-unresolved"),
			Progress:       viper.GetBool("progress"),
			Jobs:           viper.GetInt("jobs"),
			Stdout:         cmd.OutOrStdout(),
			Stderr:         cmd.ErrOrStderr(),
		}
		if s := viper.GetString("slide"); s != "" {
			slide, err := utils.ConvertStrToInt(s)
			if err != nil {
				return errors.Wrapf(err, "invalid --slide %q", s)
			}
			conf.Slide = slide
		}

		f, err := openCache(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		if listImages {
			dsc.List(cmd.OutOrStdout(), f, filter)
			return nil
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			if extractAll {
				if filter == "" {
					filter = name
				}
				return dsc.ExtractAll(ctx, f, filter, conf)
			}
			return dsc.Extract(ctx, f, name, conf)
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				cancel()
				log.Warn("Exiting...")
				return nil
			}
			return err
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if AppVersion != "" {
		rootCmd.Version = fmt.Sprintf("%s, built %s", AppVersion, AppBuildTime)
	}
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)
	log.SetLevel(log.WarnLevel)

	cobra.OnInitialize(initConfig)

	// Flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dyldex/config.yaml)")
	rootCmd.PersistentFlags().IntP("verbosity", "v", 1, "Log detail: 0 silent, 1 warnings, 2 info, 3 debug")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	rootCmd.Flags().StringP("extract", "e", "", "Extract the first image whose path contains <name>")
	rootCmd.Flags().BoolP("list-frameworks", "l", false, "List the images in the cache")
	rootCmd.Flags().StringP("filter", "f", "", "Only list or extract images whose path contains <term>")
	rootCmd.Flags().StringP("output", "o", "", "Output file, or directory with --all (default binaries/<name>)")
	rootCmd.Flags().BoolP("all", "a", false, "Extract every matching image concurrently")
	rootCmd.Flags().Bool("null-unresolved", false, "Write zero into pointers whose target is not mapped")
	rootCmd.Flags().String("slide", "", "Slide to add to rebased pointers (e.g. 0x4000)")
	rootCmd.Flags().BoolP("progress", "p", false, "Show a spinner per extraction")
	rootCmd.Flags().IntP("jobs", "j", 0, "Concurrent extractions with --all (default one per CPU)")
	rootCmd.MarkFlagFilename("output")
	viper.BindPFlag("verbosity", rootCmd.PersistentFlags().Lookup("verbosity"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindPFlag("extract", rootCmd.Flags().Lookup("extract"))
	viper.BindPFlag("list-frameworks", rootCmd.Flags().Lookup("list-frameworks"))
	viper.BindPFlag("filter", rootCmd.Flags().Lookup("filter"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("all", rootCmd.Flags().Lookup("all"))
	viper.BindPFlag("null-unresolved", rootCmd.Flags().Lookup("null-unresolved"))
	viper.BindPFlag("slide", rootCmd.Flags().Lookup("slide"))
	viper.BindPFlag("progress", rootCmd.Flags().Lookup("progress"))
	viper.BindPFlag("jobs", rootCmd.Flags().Lookup("jobs"))
	viper.BindEnv("color", "CLICOLOR")
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name "config" (without extension).
		viper.AddConfigPath(filepath.Join(home, ".config", "dyldex"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("dyldex")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// logLevel maps --verbosity to an apex/log level.
func logLevel(verbosity int) log.Level {
	switch {
	case verbosity <= 0:
		return log.FatalLevel
	case verbosity == 1:
		return log.WarnLevel
	case verbosity == 2:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

func openCache(path string) (*dyld.File, error) {
	dscPath := filepath.Clean(path)
	if _, err := os.Lstat(dscPath); err != nil {
		return nil, fmt.Errorf("file %s does not exist", dscPath)
	}
	// follow symlinked caches
	resolved, err := filepath.EvalSymlinks(dscPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read symlink %s", dscPath)
	}
	if ok, _ := magic.IsDyldSharedCache(resolved); !ok {
		if isMachO, _ := magic.IsMachO(resolved); isMachO {
			return nil, fmt.Errorf("%s is a MachO, not a dyld_shared_cache", dscPath)
		}
		return nil, fmt.Errorf("%s is not a dyld_shared_cache", dscPath)
	}
	f, err := dyld.Open(resolved)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", dscPath)
	}
	return f, nil
}
