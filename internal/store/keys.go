package store

import "github.com/afikmenashe/alerting-engine/internal/model"

// Redis key layout. Records are JSON strings; associations are sets or sorted sets
// scored by unix-nano timestamps.
const (
	checksKey        = "checks"
	routesKey        = "routes"
	globalRulesKey   = "rules:global"
	rulesKey         = "rules"
	contactsKey      = "contacts"
	mediaKey         = "media"
	blackholesKey    = "blackholes"
	linkedEntriesKey = "entries:linked"
)

func checkKey(id string) string       { return "check:" + id }
func checkNameKey(name string) string { return "check_name:" + name }
func checkStatesKey(id string) string { return "check:" + id + ":states" }
func checkTagsKey(id string) string   { return "check:" + id + ":tags" }
func checkRoutesKey(id string) string { return "check:" + id + ":routes" }
func checkAlertsKey(id string) string { return "check:" + id + ":alerts" }

func checkMaintenanceKey(checkID string, kind model.MaintenanceKind) string {
	return "check:" + checkID + ":" + string(kind) + "s"
}

func stateKey(id string) string        { return "state:" + id }
func stateEntriesKey(id string) string { return "state:" + id + ":entries" }
func entryKey(id string) string        { return "entry:" + id }
func maintenanceKey(id string) string  { return "maintenance:" + id }
func tagChecksKey(tag string) string   { return "tag:" + tag + ":checks" }
func routeKey(id string) string        { return "route:" + id }
func ruleKey(id string) string         { return "rule:" + id }
func contactKey(id string) string      { return "contact:" + id }
func contactMediaKey(id string) string { return "contact:" + id + ":media" }

func contactBlackholesKey(id string) string { return "contact:" + id + ":blackholes" }

func mediumKey(id string) string       { return "medium:" + id }
func mediumAlertsKey(id string) string { return "medium:" + id + ":alerts" }
func blackholeKey(id string) string    { return "blackhole:" + id }
func notificationKey(id string) string { return "notification:" + id }
func alertKey(id string) string        { return "alert:" + id }
