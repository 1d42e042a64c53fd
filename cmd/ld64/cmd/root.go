// Package cmd implements the ld64 command-line front end: one command,
// its flags binding directly to linker.Options (SPEC_FULL.md §6).
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blacktop/ld64/internal/resolver"
	"github.com/blacktop/ld64/linker"
	"github.com/blacktop/ld64/types"
)

var (
	archFlag       string
	outputFlag     string
	libsFlag       []string
	weakLibsFlag   []string
	libDirsFlag    []string
	frameworksFlag []string
	frameworkDirsFlag []string
	syslibrootFlag string
	dylibsFirstFlag bool
	rpathFlag      []string
	entryFlag      string
	stackSizeFlag  uint64
	pagezeroFlag   uint64
	headerpadFlag  uint64
	headerpadMaxFlag bool
	deadStripFlag  bool
	stripFlag      bool
	undefinedFlag  string
	dylibFlag      bool
	flatNamespaceFlag bool
	installNameFlag string
	currentVersionFlag string
	compatVersionFlag  string
	entitlementsFlag   string
	platformFlag       string
	minOSFlag          string
	sdkFlag            string
)

var rootCmd = &cobra.Command{
	Use:   "ld64 [flags] file...",
	Short: "Link Mach-O object files, archives and dylibs into an executable or dynamic library",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLink,
}

// Execute runs the root command; called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	color.NoColor = false

	rootCmd.Flags().StringVar(&archFlag, "arch", "arm64", "target architecture (x86_64, arm64)")
	rootCmd.Flags().StringVarP(&outputFlag, "output", "o", "a.out", "output path")
	rootCmd.Flags().StringArrayVarP(&libsFlag, "lib", "l", nil, "link against library NAME (-lNAME)")
	rootCmd.Flags().StringArrayVar(&weakLibsFlag, "weak-l", nil, "weakly link against library NAME")
	rootCmd.Flags().StringArrayVarP(&libDirsFlag, "libdir", "L", nil, "add DIR to the library search path")
	rootCmd.Flags().StringArrayVar(&frameworksFlag, "framework", nil, "link against framework NAME")
	rootCmd.Flags().StringArrayVarP(&frameworkDirsFlag, "frameworkdir", "F", nil, "add DIR to the framework search path")
	rootCmd.Flags().StringVar(&syslibrootFlag, "syslibroot", "", "prefix all absolute library/framework paths with DIR")
	rootCmd.Flags().BoolVar(&dylibsFirstFlag, "search-dylibs-first", false, "search for dylibs before static archives")
	rootCmd.Flags().StringArrayVar(&rpathFlag, "rpath", nil, "add PATH to the dynamic library search path")
	rootCmd.Flags().StringVarP(&entryFlag, "entry", "e", "_main", "entry point symbol")
	rootCmd.Flags().Uint64Var(&stackSizeFlag, "stack-size", 0, "maximum stack size in bytes")
	rootCmd.Flags().Uint64Var(&pagezeroFlag, "pagezero-size", 0x100000000, "size of the __PAGEZERO segment")
	rootCmd.Flags().Uint64Var(&headerpadFlag, "headerpad", 0, "extra padding reserved after the load commands")
	rootCmd.Flags().BoolVar(&headerpadMaxFlag, "headerpad-max-install-names", false, "size headerpad to allow install name rewriting")
	rootCmd.Flags().BoolVar(&deadStripFlag, "dead-strip", false, "remove unreachable code and data")
	rootCmd.Flags().BoolVarP(&stripFlag, "strip", "s", false, "strip local symbols from the output")
	rootCmd.Flags().StringVar(&undefinedFlag, "undefined", "error", "treatment of undefined symbols (error, warn, suppress, dynamic_lookup)")
	rootCmd.Flags().BoolVar(&dylibFlag, "dylib", false, "produce a dynamic library instead of an executable")
	rootCmd.Flags().BoolVar(&flatNamespaceFlag, "flat_namespace", false, "bind undefined symbols without regard to their originating dylib")
	rootCmd.Flags().StringVar(&installNameFlag, "install_name", "", "install name recorded in LC_ID_DYLIB")
	rootCmd.Flags().StringVar(&currentVersionFlag, "current_version", "1.0.0", "current version recorded in LC_ID_DYLIB")
	rootCmd.Flags().StringVar(&compatVersionFlag, "compatibility_version", "1.0.0", "compatibility version recorded in LC_ID_DYLIB")
	rootCmd.Flags().StringVar(&entitlementsFlag, "entitlements", "", "path to an entitlements plist to embed in the code signature")
	rootCmd.Flags().StringVar(&platformFlag, "platform", "macos", "target platform (macos, ios, tvos, watchos)")
	rootCmd.Flags().StringVar(&minOSFlag, "min-os", "", "minimum OS version, e.g. 13.0.0")
	rootCmd.Flags().StringVar(&sdkFlag, "sdk", "", "SDK version, e.g. 14.0.0")
}

func runLink(c *cobra.Command, args []string) error {
	cpu, err := parseArch(archFlag)
	if err != nil {
		return err
	}

	outputMode := linker.OutputExecutable
	if dylibFlag {
		outputMode = linker.OutputLibrary
	}

	namespace := linker.NamespaceTwoLevel
	if flatNamespaceFlag {
		namespace = linker.NamespaceFlat
	}

	treatment, err := parseUndefinedTreatment(undefinedFlag)
	if err != nil {
		return err
	}

	opts := linker.Options{
		CPU:                     cpu,
		OutputMode:              outputMode,
		OutputPath:              outputFlag,
		Positionals:             positionalsFrom(args),
		Libs:                    libSpecsFrom(libsFlag, weakLibsFlag),
		LibDirs:                 libDirsFlag,
		Frameworks:              frameworksFlag,
		FrameworkDirs:           frameworkDirsFlag,
		Syslibroot:              syslibrootFlag,
		SearchDylibsFirst:       dylibsFirstFlag,
		RpathList:               rpathFlag,
		Entry:                   entryFlag,
		StackSize:               stackSizeFlag,
		PagezeroSize:            pagezeroFlag,
		Headerpad:               headerpadFlag,
		HeaderpadMaxInstallName: headerpadMaxFlag,
		DeadStrip:               deadStripFlag,
		Strip:                   stripFlag,
		UndefinedTreatment:      treatment,
		Namespace:               namespace,
		InstallName:             installNameFlag,
		CurrentVersion:          currentVersionFlag,
		CompatibilityVersion:    compatVersionFlag,
		Entitlements:            entitlementsFlag,
		PlatformVersion:         parsePlatform(platformFlag),
		MinOSVersion:            minOSFlag,
		SDKVersion:              sdkFlag,
		Log:                     log.Log,
	}

	l, err := linker.New(opts)
	if err != nil {
		return err
	}

	if err := l.Flush(context.Background()); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, color.GreenString("linked")+" "+outputFlag)
	return nil
}

func parseArch(s string) (types.CPU, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64":
		return types.CPUAmd64, nil
	case "arm64", "aarch64":
		return types.CPUArm64, nil
	default:
		return 0, fmt.Errorf("unsupported -arch %q", s)
	}
}

func parseUndefinedTreatment(s string) (resolver.UndefinedTreatment, error) {
	switch resolver.UndefinedTreatment(s) {
	case resolver.TreatError, resolver.TreatWarn, resolver.TreatSuppress, resolver.TreatDynamicLookup:
		return resolver.UndefinedTreatment(s), nil
	default:
		return "", fmt.Errorf("unsupported -undefined %q", s)
	}
}

func parsePlatform(s string) types.Platform {
	switch strings.ToLower(s) {
	case "ios":
		return types.Platform(2)
	case "tvos":
		return types.Platform(3)
	case "watchos":
		return types.Platform(4)
	case "maccatalyst":
		return types.Platform(6)
	default:
		return types.Platform(1) // macos
	}
}

func positionalsFrom(args []string) []linker.Positional {
	out := make([]linker.Positional, len(args))
	for i, a := range args {
		out[i] = linker.Positional{Path: a}
	}
	return out
}

func libSpecsFrom(needed, weak []string) []linker.LibSpec {
	out := make([]linker.LibSpec, 0, len(needed)+len(weak))
	for _, n := range needed {
		out = append(out, linker.LibSpec{Name: n, Needed: true})
	}
	for _, n := range weak {
		out = append(out, linker.LibSpec{Name: n, Weak: true})
	}
	return out
}
