package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pglsync/pkg/util"
)

// Command identifies which subcommand to execute.
type Command int

const (
	None = iota
	Run
	Version
	Init
)

var commandToString = map[Command]string{
	None:    "none",
	Run:     "run",
	Version: "version",
	Init:    "init",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'run', 'version', or 'init'", s)
}
