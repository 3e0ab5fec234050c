package gate

import (
	"strings"
)

// shellEffect is what a command line would touch on disk.
type shellEffect struct {
	Mutating bool
	// Targets are the paths written. Empty with Mutating set means the
	// target could not be determined.
	Targets []string
}

var mutatingCommands = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "cp": true, "touch": true, "mkdir": true,
	"tee": true, "truncate": true, "ln": true, "chmod": true, "chown": true,
	"patch": true, "install": true, "dd": true, "unzip": true, "tar": true,
}

var mutatingGit = map[string]bool{
	"apply": true, "am": true, "checkout": true, "cherry-pick": true, "commit": true, "merge": true,
	"mv": true, "rebase": true, "reset": true, "restore": true, "revert": true, "rm": true, "stash": true, "switch": true,
	"pull": true,
}

// analyzeShell tokenises a command line and reports its write targets.
func analyzeShell(command string) shellEffect {
	var eff shellEffect
	for _, segment := range splitCommands(command) {
		tokens := segment
		if len(tokens) == 0 {
			continue
		}
		var args []string
		for i := 0; i < len(tokens); i++ {
			tok := tokens[i]
			switch {
			case tok == ">" || tok == ">>" || tok == "1>" || tok == "2>" || tok == "&>":
				if i+1 < len(tokens) {
					if !isDevNull(tokens[i+1]) {
						eff.Mutating = true
						eff.Targets = append(eff.Targets, tokens[i+1])
					}
					i++
				}
			case strings.HasPrefix(tok, ">>") || strings.HasPrefix(tok, ">"):
				target := strings.TrimLeft(tok, ">")
				if target != "" && !isDevNull(target) {
					eff.Mutating = true
					eff.Targets = append(eff.Targets, target)
				}
			case strings.HasPrefix(tok, "2>") || strings.HasPrefix(tok, "&>"):
				// stderr redirection to a file still writes it
				target := strings.TrimLeft(tok[1:], ">")
				if target != "" && !isDevNull(target) {
					eff.Mutating = true
					eff.Targets = append(eff.Targets, target)
				}
			default:
				args = append(args, tok)
			}
		}
		args = stripEnvAssignments(args)
		if len(args) == 0 {
			continue
		}
		cmd := baseName(args[0])
		if cmd == "sudo" || cmd == "env" || cmd == "command" {
			args = args[1:]
			if len(args) == 0 {
				continue
			}
			cmd = baseName(args[0])
		}
		operands := nonFlags(args[1:])
		switch {
		case cmd == "sed" || cmd == "perl":
			if hasFlagPrefix(args[1:], "-i") && len(operands) > 1 {
				eff.Mutating = true
				eff.Targets = append(eff.Targets, operands[1:]...)
			}
		case cmd == "git":
			if len(operands) > 0 && mutatingGit[operands[0]] {
				eff.Mutating = true
				eff.Targets = append(eff.Targets, gitTargets(args[1:])...)
			}
		case cmd == "cp" || cmd == "mv" || cmd == "ln" || cmd == "install":
			if len(operands) > 0 {
				eff.Mutating = true
				eff.Targets = append(eff.Targets, operands[len(operands)-1])
				if cmd == "mv" {
					eff.Targets = append(eff.Targets, operands[:len(operands)-1]...)
				}
			}
		case mutatingCommands[cmd]:
			eff.Mutating = true
			eff.Targets = append(eff.Targets, operands...)
		}
	}
	return eff
}

// gitTargets returns the paths after "--", or the operands of commands
// that only take paths. Branch-level commands have no known target.
func gitTargets(args []string) []string {
	for i, a := range args {
		if a == "--" {
			return args[i+1:]
		}
	}
	operands := nonFlags(args)
	switch operands[0] {
	case "rm", "mv", "restore":
		return operands[1:]
	}
	return nil
}

// splitCommands breaks a command line on ; && || | and newlines, honouring quotes.
func splitCommands(line string) [][]string {
	var (
		commands [][]string
		current  []string
		tok      strings.Builder
		quote    rune
		inToken  bool
	)
	flushToken := func() {
		if inToken {
			current = append(current, tok.String())
			tok.Reset()
			inToken = false
		}
	}
	flushCommand := func() {
		flushToken()
		if len(current) > 0 {
			commands = append(commands, current)
			current = nil
		}
	}
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			if r == quote {
				quote = 0
				continue
			}
			if r == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				tok.WriteRune(runes[i])
				continue
			}
			tok.WriteRune(r)
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
			inToken = true
		case '\\':
			if i+1 < len(runes) {
				i++
				tok.WriteRune(runes[i])
				inToken = true
			}
		case ' ', '\t':
			flushToken()
		case ';', '\n':
			flushCommand()
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
				flushCommand()
				continue
			}
			if i+1 < len(runes) && runes[i+1] == '>' {
				flushToken()
				tok.WriteString("&>")
				inToken = true
				i++
				continue
			}
			flushCommand()
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
			flushCommand()
		case '>':
			// keep "2>" and ">>" attached to their operator token
			if inToken && tok.String() != "1" && tok.String() != "2" {
				flushToken()
			}
			tok.WriteRune(r)
			inToken = true
			if i+1 < len(runes) && runes[i+1] == '>' {
				i++
				tok.WriteRune('>')
			}
			flushToken()
		default:
			tok.WriteRune(r)
			inToken = true
		}
	}
	flushCommand()
	return commands
}

func stripEnvAssignments(args []string) []string {
	for len(args) > 0 && strings.Contains(args[0], "=") && !strings.HasPrefix(args[0], "-") && !strings.Contains(args[0], "/") {
		args = args[1:]
	}
	return args
}

func nonFlags(args []string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasFlagPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

func baseName(cmd string) string {
	if i := strings.LastIndex(cmd, "/"); i >= 0 {
		return cmd[i+1:]
	}
	return cmd
}

func isDevNull(p string) bool {
	return p == "/dev/null" || p == "&1" || p == "&2"
}
