package cmd

import (
	"fmt"
	"strconv"
	"strings"
)

// resolveItem maps an id-or-name argument onto a process id on the target.
func resolveItem(t target, item string) (int, error) {
	if id, err := strconv.Atoi(item); err == nil {
		return id, nil
	}
	id, ok, err := t.FindByName(item)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("process '%s' not found", item)
	}
	return id, nil
}

// resolveItems expands a comma-separated id/name list, or the literal "all",
// into ids on the target.
func resolveItems(t target, items string) ([]int, error) {
	if items == "all" {
		list, err := t.List()
		if err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(list))
		for _, item := range list {
			ids = append(ids, item.ID)
		}
		return ids, nil
	}

	var ids []int
	for _, part := range strings.Split(items, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := resolveItem(t, part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no processes named in %q", items)
	}
	return ids, nil
}

// forEach applies op to every id, reporting per-id failures without stopping.
func forEach(ids []int, verb string, op func(int) error) error {
	var failed int
	for _, id := range ids {
		if err := op(id); err != nil {
			failed++
			fmt.Printf("✗ failed to %s process %d: %v\n", verb, id, err)
			continue
		}
		fmt.Printf("✓ %s process %d\n", verb, id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(ids))
	}
	return nil
}
