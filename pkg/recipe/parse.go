// Package recipe turns Dockerfiles into an explicit stage graph.
package recipe

import (
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/pkg/errors"
)

type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return "line " + strconv.Itoa(e.Line) + ": " + e.Msg
}

func ParseFile(p string) (*Recipe, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "open recipe")
	}
	defer func() { _ = f.Close() }()
	r, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", p)
	}
	r.Path = p
	return r, nil
}

func Parse(rd io.Reader) (*Recipe, error) {
	res, err := parser.Parse(rd)
	if err != nil {
		return nil, errors.Wrap(err, "dockerfile")
	}
	r := &Recipe{}
	var cur *Stage
	globalArgs := map[string]string{}

	for _, node := range res.AST.Children {
		instr := strings.ToLower(node.Value)
		args := nodeArgs(node)
		line := node.StartLine

		if instr == "from" {
			st, err := parseFrom(args, line, len(r.Stages), r)
			if err != nil {
				return nil, err
			}
			r.Stages = append(r.Stages, st)
			cur = &r.Stages[len(r.Stages)-1]
			continue
		}
		if cur == nil {
			if instr == "arg" {
				k, v := splitArg(args)
				globalArgs[k] = v
				continue
			}
			return nil, &ParseError{Line: line, Msg: strings.ToUpper(instr) + " before FROM"}
		}

		switch instr {
		case "workdir":
			if len(args) != 1 {
				return nil, &ParseError{Line: line, Msg: "WORKDIR takes one path"}
			}
			dir := args[0]
			if !path.IsAbs(dir) {
				dir = path.Join(cur.WorkDir, dir)
			}
			cur.WorkDir = dir
			cur.Steps = append(cur.Steps, Step{Kind: StepWorkDir, Line: line, Dir: dir})
		case "copy", "add":
			if len(args) < 2 {
				return nil, &ParseError{Line: line, Msg: strings.ToUpper(instr) + " needs a source and a destination"}
			}
			op := &CopyOp{
				Sources:   append([]string{}, args[:len(args)-1]...),
				Dest:      args[len(args)-1],
				FromStage: flagValue(node.Flags, "from"),
			}
			cur.Steps = append(cur.Steps, Step{Kind: StepCopy, Line: line, Copy: op})
		case "run":
			argv, shell := commandArgs(node, args)
			if len(argv) == 0 {
				return nil, &ParseError{Line: line, Msg: "empty RUN"}
			}
			cur.Steps = append(cur.Steps, Step{Kind: StepRun, Line: line, Run: argv, Shell: shell})
		case "env":
			kv, err := parseEnv(args)
			if err != nil {
				return nil, &ParseError{Line: line, Msg: err.Error()}
			}
			for k, v := range kv {
				cur.Env[k] = v
			}
			cur.Steps = append(cur.Steps, Step{Kind: StepEnv, Line: line, Env: kv})
		case "arg":
			k, v := splitArg(args)
			if gv, ok := globalArgs[k]; ok && v == "" {
				v = gv
			}
			cur.Args[k] = v
		case "label":
			kv, err := parseEnv(args)
			if err != nil {
				return nil, &ParseError{Line: line, Msg: err.Error()}
			}
			for k, v := range kv {
				cur.Labels[k] = v
			}
		case "user":
			if len(args) > 0 {
				cur.User = args[0]
			}
		case "expose":
			cur.Expose = append(cur.Expose, args...)
		case "entrypoint":
			argv, shell := commandArgs(node, args)
			cur.Entrypoint = shellWrap(argv, shell)
		case "cmd":
			argv, shell := commandArgs(node, args)
			cur.Cmd = shellWrap(argv, shell)
		case "healthcheck":
			hc, err := parseHealthcheck(node)
			if err != nil {
				return nil, &ParseError{Line: line, Msg: err.Error()}
			}
			cur.Healthcheck = hc
		default:
			return nil, &ParseError{Line: line, Msg: "unsupported instruction " + strings.ToUpper(instr)}
		}
	}

	if len(r.Stages) == 0 {
		return nil, errors.New("recipe has no FROM instruction")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseFrom(args []string, line, index int, r *Recipe) (Stage, error) {
	st := Stage{
		Index:   index,
		WorkDir: "/",
		Env:     map[string]string{},
		Args:    map[string]string{},
		Labels:  map[string]string{},
	}
	switch {
	case len(args) == 1:
	case len(args) == 3 && strings.EqualFold(args[1], "as"):
		st.Name = strings.ToLower(args[2])
	default:
		return st, &ParseError{Line: line, Msg: "FROM expects <image> [AS <name>]"}
	}
	st.BaseImage = args[0]
	if prev, ok := r.Stage(strings.ToLower(args[0])); ok && prev.Name != "" {
		st.FromStage = prev.Name
		st.BaseImage = prev.BaseImage
		st.WorkDir = prev.WorkDir
		for k, v := range prev.Env {
			st.Env[k] = v
		}
	}
	return st, nil
}

func nodeArgs(n *parser.Node) []string {
	var out []string
	for a := n.Next; a != nil; a = a.Next {
		out = append(out, a.Value)
	}
	return out
}

// commandArgs returns the argv of a RUN/CMD/ENTRYPOINT. Shell form yields a
// single command string and shell=true.
func commandArgs(n *parser.Node, args []string) ([]string, bool) {
	if n.Attributes["json"] {
		return args, false
	}
	return []string{strings.Join(args, " ")}, true
}

func shellWrap(argv []string, shell bool) []string {
	if !shell || len(argv) == 0 {
		return argv
	}
	return []string{"/bin/sh", "-c", argv[0]}
}

func flagValue(flags []string, name string) string {
	prefix := "--" + name + "="
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			return strings.ToLower(strings.TrimPrefix(f, prefix))
		}
	}
	return ""
}

func splitArg(args []string) (string, string) {
	if len(args) == 0 {
		return "", ""
	}
	k, v, _ := strings.Cut(args[0], "=")
	return k, v
}

// parseEnv accepts both the alternating key/value form produced by the
// parser and raw key=value tokens.
func parseEnv(args []string) (map[string]string, error) {
	out := map[string]string{}
	if len(args) == 0 {
		return out, nil
	}
	if strings.Contains(args[0], "=") {
		for _, a := range args {
			k, v, ok := strings.Cut(a, "=")
			if !ok {
				return nil, errors.Errorf("malformed key=value %q", a)
			}
			out[k] = strings.Trim(v, `"`)
		}
		return out, nil
	}
	if len(args)%2 != 0 {
		return nil, errors.New("expected key value pairs")
	}
	for i := 0; i < len(args); i += 2 {
		out[args[i]] = strings.Trim(args[i+1], `"`)
	}
	return out, nil
}

func parseHealthcheck(n *parser.Node) (*Healthcheck, error) {
	if n.Next == nil {
		return nil, errors.New("HEALTHCHECK needs CMD or NONE")
	}
	kind := strings.ToUpper(n.Next.Value)
	if kind == "NONE" {
		return &Healthcheck{Test: []string{"NONE"}}, nil
	}
	if kind != "CMD" {
		return nil, errors.Errorf("unknown HEALTHCHECK type %q", kind)
	}
	var args []string
	for a := n.Next.Next; a != nil; a = a.Next {
		args = append(args, a.Value)
	}
	hc := &Healthcheck{}
	if n.Attributes["json"] {
		hc.Test = append([]string{"CMD"}, args...)
	} else {
		hc.Test = []string{"CMD-SHELL", strings.Join(args, " ")}
	}
	for _, f := range n.Flags {
		name, value, ok := strings.Cut(strings.TrimPrefix(f, "--"), "=")
		if !ok {
			return nil, errors.Errorf("malformed flag %q", f)
		}
		switch name {
		case "interval", "timeout", "start-period":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, errors.Wrapf(err, "--%s", name)
			}
			switch name {
			case "interval":
				hc.Interval = d
			case "timeout":
				hc.Timeout = d
			default:
				hc.StartPeriod = d
			}
		case "retries":
			r, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "--retries")
			}
			hc.Retries = r
		}
	}
	return hc, nil
}

func stageIndexKey(i int) string {
	return strconv.Itoa(i)
}
