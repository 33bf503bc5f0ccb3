package extensions

import "strings"

// TConditionalFilter narrows down which variable mutations re-evaluate a
// conditional event. Both attributes hold comma separated lists, an empty
// list matches everything.
type TConditionalFilter struct {
	VariableNames  string `xml:"variableNames,attr"`
	VariableEvents string `xml:"variableEvents,attr"`
}

func (f TConditionalFilter) GetVariableNames() []string {
	return splitList(f.VariableNames)
}

func (f TConditionalFilter) GetVariableEvents() []string {
	events := splitList(f.VariableEvents)
	for i := range events {
		events[i] = strings.ToLower(events[i])
	}
	return events
}

func splitList(list string) []string {
	result := []string{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		result = append(result, part)
	}
	return result
}
