// Package cmds builds the mindbg command tree.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/mindbg/mindbg/cmd/mindbg/cmds/helphelpers"
	"github.com/mindbg/mindbg/pkg/config"
	"github.com/mindbg/mindbg/pkg/logflags"
	"github.com/mindbg/mindbg/pkg/source"
	"github.com/mindbg/mindbg/pkg/terminal"
	"github.com/mindbg/mindbg/pkg/version"
	"github.com/mindbg/mindbg/service/debugger"
)

var (
	baudRate      int
	extensions    []string
	initialBreak  bool
	kernelConn    bool
	remoteAddr    string
	reverseAddr   string
	symbolPath    []string
	sourcePath    []string
	logFlag       bool
	logComponents string

	// targetArgs is everything after --, the debuggee's argv.
	targetArgs []string

	conf *config.Config
)

// New builds the root command.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "mindbg [flags] [-- <program> [args...]]",
		Short: "mindbg is a symbolic debugger client.",
		Long: `mindbg is a symbolic debugger client.

It connects to a kernel under debug or launches a user program, keeps
the target's loaded-module list in sync, manages software breakpoints,
and steps at the source-line level when symbols are available. A
session can also be shared: other mindbg instances attach over the
network with -r, see the same console, and submit commands.`,
		RunE: rootRun,
	}
	flags := rootCommand.PersistentFlags()
	flags.IntVarP(&baudRate, "baud", "b", 115200, "Baud rate of a serial kernel connection.")
	flags.StringArrayVarP(&extensions, "extension", "e", nil, "Debugger extension to load at startup.")
	flags.BoolVarP(&initialBreak, "initial-break", "i", false, "Request an initial break once connected.")
	flags.BoolVarP(&kernelConn, "kernel-connection", "k", false, "Debug a kernel rather than a user process.")
	flags.StringVarP(&remoteAddr, "remote", "r", "", "Attach to a debug server at host:port.")
	flags.StringVarP(&reverseAddr, "reverse-remote", "R", "", "Wait at host:port for a debug server to attach out.")
	flags.StringArrayVarP(&symbolPath, "symbol-path", "s", nil, "Directory to search for symbol files. Repeatable.")
	flags.StringArrayVarP(&sourcePath, "source-path", "S", nil, "Source path substitution, prefix=path. Repeatable.")
	flags.BoolVar(&logFlag, "log", false, "Enable debug logging.")
	flags.StringVar(&logComponents, "log-output", "", "Comma separated list of components that produce debug output.")

	connectCommand := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Attach to a running debug session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("an address is required")
			}
			return runRemoteSession(args[0], false)
		},
	}
	rootCommand.AddCommand(connectCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print the version number.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mindbg %s\n%s\n", version.MindbgVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	return rootCommand
}

func rootRun(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(logFlag, logComponents); err != nil {
		return err
	}
	targetArgs = args
	switch {
	case remoteAddr != "":
		return runRemoteSession(remoteAddr, false)
	case reverseAddr != "":
		return runRemoteSession(reverseAddr, true)
	}
	return errors.New("no target transport is built into this client; use -r or connect to join a running session")
}

// parseSourceRules folds -S flags and config substitute rules into
// one rule list, flags first.
func parseSourceRules() ([]source.Rule, error) {
	var rules []source.Rule
	for _, arg := range sourcePath {
		rule, err := source.ParseRule(arg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	for _, sub := range conf.SubstitutePath {
		rules = append(rules, source.Rule{
			Prefix: source.Normalize(sub.From),
			Path:   source.Normalize(sub.To),
		})
	}
	return rules, nil
}

func runRemoteSession(addr string, reverse bool) error {
	rules, err := parseSourceRules()
	if err != nil {
		return err
	}
	term := terminal.New(conf)
	defer term.Close()

	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	hostName, _ := os.Hostname()

	session, err := debugger.ConnectRemote(addr, reverse, rules, term, userName, hostName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return session.Run()
}
