package data

import (
	"reflect"
	"testing"

	"github.com/target/placement-fulfillment/internal/core"
)

var (
	_ core.TaskBroker           = (*TaskRepo)(nil)
	_ core.ReaperRepository     = (*TaskRepo)(nil)
	_ core.LeaseRequeuer        = (*TaskRepo)(nil)
	_ core.TaskResultRepository = (*TaskResultRepo)(nil)
	_ core.OrderRepository      = (*OrderRepo)(nil)
	_ core.ProviderRepository   = (*ProviderRepo)(nil)
	_ core.UserDirectory        = (*UserRepo)(nil)
	_ core.AdvisoryLocker       = (*AdvisoryLocker)(nil)
)

func TestTaskRepoExportedMethodsMatchAllowlist(t *testing.T) {
	allowed := map[string]struct{}{
		"Cancel":                    {},
		"Complete":                  {},
		"DeleteOldTasks":            {},
		"Enqueue":                   {},
		"Fail":                      {},
		"FailStalePendingTasks":     {},
		"FailStaleProcessingOrders": {},
		"GetByID":                   {},
		"RequeueExpired":            {},
		"Reserve":                   {},
		"Retry":                     {},
		"Stats":                     {},
		"WaitForNotification":       {},
	}

	methods := reflect.TypeOf(&TaskRepo{})
	seen := make(map[string]struct{})

	for i := range methods.NumMethod() {
		m := methods.Method(i)
		if !m.IsExported() {
			continue
		}
		if _, ok := allowed[m.Name]; !ok {
			t.Fatalf("unexpected exported method on TaskRepo: %s", m.Name)
		}
		seen[m.Name] = struct{}{}
	}

	for name := range allowed {
		if _, ok := seen[name]; !ok {
			t.Fatalf("expected TaskRepo to export method %s", name)
		}
	}
}
