package main

import (
	"fmt"
	"log/slog"
	"sync"

	"rtcore/internal/config"
	"rtcore/internal/monitor"
	"rtcore/internal/stack"
)

// task is a simulated task: a stack region registered with the monitor.
type task struct {
	region *stack.Region
	entry  *monitor.Entry
	size   int
	used   int
}

// taskSet keeps the monitored tasks in line with the configuration.
type taskSet struct {
	mu    sync.Mutex
	mon   *monitor.Monitor
	log   *slog.Logger
	tasks map[string]*task
}

func newTaskSet(mon *monitor.Monitor, log *slog.Logger) *taskSet {
	return &taskSet{
		mon:   mon,
		log:   log,
		tasks: make(map[string]*task),
	}
}

// Apply allocates stacks for new tasks, retires tasks that are gone and
// touches the configured depth of every stack. A task whose size or fill
// changed gets a fresh stack.
func (s *taskSet) Apply(want []config.TaskConfig, mc monitor.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(want))
	for _, tc := range want {
		keep[tc.Name] = true
	}
	for name, t := range s.tasks {
		if !keep[name] {
			s.retire(name, t)
		}
	}

	for _, tc := range want {
		t, ok := s.tasks[tc.Name]
		if ok && (t.size != tc.StackSize || t.region.FillByte() != mc.Fill) {
			s.retire(tc.Name, t)
			ok = false
		}
		if !ok {
			region, err := stack.Alloc(tc.StackSize, mc.Fill)
			if err != nil {
				return fmt.Errorf("task %s: %w", tc.Name, err)
			}
			t = &task{region: region, entry: monitor.NewEntry(region), size: tc.StackSize}
			s.mon.Register(t.entry, tc.Name)
			s.tasks[tc.Name] = t
			s.log.Info("task registered",
				"name", tc.Name,
				"id", s.mon.ID(t.entry),
				"stack_size", tc.StackSize)
		}

		// Stack depth only ever grows; a smaller value keeps the mark.
		if tc.Used > t.used {
			t.region.Use(tc.Used, mc.GrowsUpward)
			t.used = tc.Used
		}
	}
	return nil
}

func (s *taskSet) retire(name string, t *task) {
	s.mon.Unregister(t.entry)
	if err := t.region.Free(); err != nil {
		s.log.Warn("free task stack", "name", name, "error", err)
	}
	delete(s.tasks, name)
	s.log.Info("task retired", "name", name)
}

// Len returns the number of live tasks.
func (s *taskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close retires every task.
func (s *taskSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		s.retire(name, t)
	}
}
