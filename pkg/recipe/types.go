package recipe

import "time"

type StepKind string

const (
	StepCopy    StepKind = "copy"
	StepRun     StepKind = "run"
	StepEnv     StepKind = "env"
	StepWorkDir StepKind = "workdir"
)

// CopyOp copies explicitly listed sources to Dest. FromStage is empty when the
// sources come from the build context.
type CopyOp struct {
	Sources   []string `json:"sources"`
	Dest      string   `json:"dest"`
	FromStage string   `json:"from_stage,omitempty"`
}

type Step struct {
	Kind  StepKind          `json:"kind"`
	Line  int               `json:"line"`
	Copy  *CopyOp           `json:"copy,omitempty"`
	Run   []string          `json:"run,omitempty"`
	Shell bool              `json:"shell,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Dir   string            `json:"dir,omitempty"`
}

type Healthcheck struct {
	Test        []string      `json:"test"`
	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	StartPeriod time.Duration `json:"start_period,omitempty"`
	Retries     int           `json:"retries,omitempty"`
}

type Stage struct {
	Index     int    `json:"index"`
	Name      string `json:"name,omitempty"`
	BaseImage string `json:"base_image"`
	// FromStage is set when FROM names an earlier stage instead of an image.
	FromStage   string            `json:"from_stage,omitempty"`
	Steps       []Step            `json:"steps"`
	WorkDir     string            `json:"workdir"`
	Env         map[string]string `json:"env,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	User        string            `json:"user,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Cmd         []string          `json:"cmd,omitempty"`
	Expose      []string          `json:"expose,omitempty"`
	Healthcheck *Healthcheck      `json:"healthcheck,omitempty"`
}

// Key identifies a stage in the stage graph.
func (s Stage) Key() string {
	if s.Name != "" {
		return s.Name
	}
	return stageIndexKey(s.Index)
}

type Recipe struct {
	Path   string  `json:"path,omitempty"`
	Stages []Stage `json:"stages"`
}

// Final is the artifact stage.
func (r *Recipe) Final() *Stage {
	if len(r.Stages) == 0 {
		return nil
	}
	return &r.Stages[len(r.Stages)-1]
}

func (r *Recipe) Stage(ref string) (*Stage, bool) {
	for i := range r.Stages {
		if r.Stages[i].Name == ref || stageIndexKey(r.Stages[i].Index) == ref {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// Target truncates the recipe at the named stage, as `docker build --target` does.
func (r *Recipe) Target(name string) (*Recipe, error) {
	if name == "" {
		return r, nil
	}
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &Recipe{Path: r.Path, Stages: r.Stages[:i+1]}, nil
		}
	}
	return nil, &ValidationError{Problems: []string{"target stage " + name + " not found"}}
}
