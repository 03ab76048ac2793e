package runqueue

import (
	"github.com/grailbio/base/log"
)

// Repair returns the queue to a runnable state after an unclean shutdown.
// Items found in admitted belong to a run that no longer exists; their
// in-flight work is untrusted, so they move back to staged and queue for
// re-admission. A leftover lock file from the dead process is removed.
//
// Repair must run before the watcher starts and before any new admissions,
// while the queue has a single owner.
func Repair(store *Store, lock *Lock) (requeued []string, err error) {
	if broke, err := lock.Break(); err != nil {
		return nil, err
	} else if broke {
		log.Printf("resume: removed stale queue lock")
	}
	ids, err := store.ListIDs(Admitted)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := store.Move(id, Admitted, Staged); err != nil {
			return nil, err
		}
		log.Printf("resume: requeued interrupted sample %s", id)
	}
	return ids, nil
}
