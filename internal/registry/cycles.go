package registry

import "sort"

// FindCycles 在依赖图上做深度优先搜索，返回发现的依赖环（每个环以起点结尾）。
// 激活流程本身不依赖此结果，仅供诊断工具使用。
func (r *Registry) FindCycles() [][]string {
	r.mu.RLock()
	graph := make(map[string][]string, len(r.byID))
	for id, desc := range r.byID {
		graph[id] = append([]string(nil), desc.ExtensionDependencies...)
	}
	r.mu.RUnlock()

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(graph))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range graph[id] {
			if _, known := graph[dep]; !known {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				start := len(stack) - 1
				for start >= 0 && stack[start] != dep {
					start--
				}
				cycle := append([]string(nil), stack[start:]...)
				cycles = append(cycles, append(cycle, dep))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// MissingDependencies 返回每个扩展声明但未注册的依赖。
func (r *Registry) MissingDependencies() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	missing := make(map[string][]string)
	for _, id := range r.order {
		for _, dep := range r.byID[id].ExtensionDependencies {
			if _, ok := r.byID[dep]; !ok {
				missing[id] = append(missing[id], dep)
			}
		}
	}
	return missing
}
