// Package backup composes engine-driven snapshots, volumes and instances into
// backups and restorations.
//
// A backup is a composite resource: it has no remote call of its own. The
// Coordinator admits it together with one snapshot per attached volume in a
// single batch, then derives its state from theirs through a transition
// hook. The backup is OK once every snapshot is OK and Erred as soon as one
// fails; snapshots that succeeded are kept.
//
// A restoration creates one volume per snapshot and an instance booting
// from them. Its state is derived the same way from the resources it
// created. Any number of restorations of one backup may run at once.
//
// Schedules create backups at a fixed interval, rotate them past
// MaxBackups and deactivate themselves when a backup fails.
package backup
