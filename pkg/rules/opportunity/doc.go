// Package opportunity contains the trigger actions bound to the Opportunity
// entity type. Register adds them to a rule registry under their canonical
// ids.
package opportunity
