/*
flow sequences the protocol pieces (request building, callbacks, token
exchange, device polling) into per-flow step progression that survives a
process restart.

A Store persists per-flow client credentials in a Storer (any key/value
persistence layer) and shares the issuer, environment id and client id
across flows: shared values only ever fill another flow's empty fields,
never overwrite something the user entered for that flow.

A StateMachine tracks the current step and per-step completion for one flow
key, persists them through the same Storer, and exposes a single Status
projection for callers to observe.  Persisted progress older than the
staleness window is never used to resume: ResumeFromPersisted starts the
flow over at step zero and reports ErrStale.
*/
package flow
