// Package actions registers the built-in flow actions.
package actions

import (
	"github.com/dukex/dmflow/pkg/actions/addtag"
	"github.com/dukex/dmflow/pkg/actions/capturereply"
	"github.com/dukex/dmflow/pkg/actions/logmessage"
	"github.com/dukex/dmflow/pkg/actions/noop"
	"github.com/dukex/dmflow/pkg/actions/setfield"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/registry"
)

func RegisterBuiltins(r *registry.Registry, contacts persistence.ContactRepository) {
	r.RegisterAction(setfield.NewActionFactory())
	r.RegisterAction(capturereply.NewActionFactory())
	r.RegisterAction(addtag.NewActionFactory(contacts))
	r.RegisterAction(logmessage.NewActionFactory())
	r.RegisterAction(noop.NewActionFactory())
}
