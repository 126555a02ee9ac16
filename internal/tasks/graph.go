package tasks

// wouldCreateCycle reports whether adding edge (task blockedBy dep) closes a
// cycle: i.e. task is already reachable from dep by following blockedBy.
func wouldCreateCycle(byID map[string]*Task, taskID, depID string) bool {
	if taskID == depID {
		return true
	}
	seen := make(map[string]bool)
	stack := []string{depID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if t, ok := byID[cur]; ok {
			stack = append(stack, t.BlockedBy...)
		}
	}
	return false
}

// blocked reports whether any task in the transitive blockedBy closure is
// not completed. Dangling dependency ids are ignored.
func blocked(byID map[string]*Task, task Task) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), task.BlockedBy...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		dep, ok := byID[cur]
		if !ok {
			continue
		}
		if dep.Status != StatusCompleted {
			return true
		}
		stack = append(stack, dep.BlockedBy...)
	}
	return false
}

// validateGraph checks acyclicity and blockedBy/blocks symmetry over the
// whole list. Used to reject transforms that would corrupt the graph.
func validateGraph(list []Task) error {
	byID := make(map[string]*Task, len(list))
	for i := range list {
		byID[list[i].ID] = &list[i]
	}

	for i := range list {
		t := &list[i]
		for _, dep := range t.BlockedBy {
			d, ok := byID[dep]
			if !ok {
				return &GraphError{Kind: "missing_dep", TaskID: t.ID, DepID: dep}
			}
			if !contains(d.Blocks, t.ID) {
				return &GraphError{Kind: "asymmetric", TaskID: t.ID, DepID: dep}
			}
		}
		for _, b := range t.Blocks {
			d, ok := byID[b]
			if !ok {
				return &GraphError{Kind: "missing_dep", TaskID: t.ID, DepID: b}
			}
			if !contains(d.BlockedBy, t.ID) {
				return &GraphError{Kind: "asymmetric", TaskID: t.ID, DepID: b}
			}
		}
	}

	// Cycle check via iterative DFS with colors.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(list))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		if t, ok := byID[id]; ok {
			for _, dep := range t.BlockedBy {
				switch color[dep] {
				case gray:
					return false
				case white:
					if !visit(dep) {
						return false
					}
				}
			}
		}
		color[id] = black
		return true
	}
	for id := range byID {
		if color[id] == white {
			if !visit(id) {
				return &GraphError{Kind: "cycle", TaskID: id}
			}
		}
	}
	return nil
}
