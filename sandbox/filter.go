package sandbox

import (
	"context"

	cerrors "antimony/errors"
	"antimony/procspawn"
	"antimony/profile"
	"antimony/seccompdb"
	"antimony/seccompfilter"
)

// filterPlan is the outcome of fabricating C5's filter for one launch:
// the spec to hand the spawner (nil under Disabled) and whether a
// Notify monitor must be launched ahead of bwrap.
type filterPlan struct {
	spec         *procspawn.FilterSpec
	needsMonitor bool
}

// exemptSyscalls builds the exempt set spec §3's seccomp-union invariant
// describes: bwrap's own namespace/mount/exec sequence, plus (when the
// profile's IPC policy is active) the syscalls needed to reach the
// xdg-dbus-proxy socket, regardless of seccomp mode.
func exemptSyscalls(resolved *profile.Resolved) []string {
	exempt := bwrapExempt
	if !resolved.IPC.Disable {
		exempt = append(append([]string{}, bwrapExempt...), ipcExempt...)
	}
	return exempt
}

// buildFilterPlan implements the decision table of spec §4.11: known
// syscalls (already recorded in the database for this profile) become
// explicit Allow rules; the default action for unknown syscalls is
// Notify under Permissive/Notifying and KillProcess under Enforcing,
// which needs no monitor at all. Disabled produces no filter.
func (d *Driver) buildFilterPlan(ctx context.Context, resolved *profile.Resolved) (*filterPlan, error) {
	switch resolved.Seccomp {
	case profile.SeccompDisabled, "":
		return &filterPlan{}, nil

	case profile.SeccompEnforcing:
		policy, err := d.DB.Policy(ctx, resolved.Name, exemptSyscalls(resolved))
		if err != nil {
			return nil, err
		}
		if len(policy.Rules) == 0 {
			return nil, cerrors.WrapWithProfile(cerrors.ErrSeccompInsufficientPolicy, cerrors.ErrSeccomp, "fabricate-seccomp", resolved.Name)
		}
		return &filterPlan{spec: &procspawn.FilterSpec{
			DefaultAction: seccompfilter.ActKillProcess,
			Archs:         defaultArchs,
			Attributes: seccompfilter.Attributes{
				NoNewPrivileges: !resolved.NewPrivileges,
				ThreadSync:      true,
				BadArchAction:   seccompfilter.ActKillProcess,
			},
			Rules: policy.Rules,
		}}, nil

	case profile.SeccompPermissive, profile.SeccompNotifying:
		policy, err := d.DB.Policy(ctx, resolved.Name, exemptSyscalls(resolved))
		if err != nil {
			return nil, err
		}
		return &filterPlan{
			needsMonitor: true,
			spec: &procspawn.FilterSpec{
				DefaultAction: seccompfilter.ActNotify,
				Archs:         defaultArchs,
				Attributes: seccompfilter.Attributes{
					NoNewPrivileges: !resolved.NewPrivileges,
					ThreadSync:      true,
					BadArchAction:   seccompfilter.ActKillProcess,
				},
				Rules: policy.Rules,
			},
		}, nil

	default:
		return &filterPlan{}, nil
	}
}
