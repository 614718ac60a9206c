package directory

import (
	"sort"

	"github.com/afikmenashe/alerting-engine/internal/model"
)

// CompileRoutes builds one route per rule for every check whose tags include all of
// the rule's tags. Rules without tags reach every check. Routes are ordered by id.
func CompileRoutes(rules []*model.Rule, checks []*model.Check, tags map[string][]string) []*model.Route {
	var routes []*model.Route
	for _, rule := range rules {
		for _, check := range checks {
			if !model.SubsetOf(rule.Tags, tags[check.ID]) {
				continue
			}
			routes = append(routes, model.CompileRoute(rule, check.ID))
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes
}
