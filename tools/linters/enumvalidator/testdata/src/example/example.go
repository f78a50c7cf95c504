package example

type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
)

type Kind string

const (
	KindRunRequested Kind = "run_requested"
)

type Department string

const (
	DepartmentResearch Department = "research"
)

type Run struct {
	Status     Status
	Department Department
}

type Envelope struct {
	Kind Kind
}

func bad() {
	r := &Run{}
	r.Status = "done" // want "enum field Status assigned string literal"

	e := &Envelope{}
	e.Kind = "run_deleted" // want "enum field Kind assigned string literal"
}

func good() {
	r := &Run{}
	r.Status = StatusCompleted // OK: using constant

	e := &Envelope{}
	e.Kind = KindRunRequested // OK: using constant
}

func alsoGood() {
	// OK: Variable, not literal
	status := StatusQueued
	r := &Run{Status: status}
	_ = r
}
