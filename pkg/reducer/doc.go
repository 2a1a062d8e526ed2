/*
Package reducer implements the granularity reduction engine, the agent's
storage reclamation path.

When the database exceeds its configured ceiling, the reducer suspends the
uploaders and applies an ordered list of lossy policies, vacuuming and
measuring after each, until the configured free-storage goal is met:

  - RemoveAlternateSimilarEvent keeps every other occurrence of each event
    id within a driving session.
  - RemoveRepeatedTriggerEvents_LeaveFirstAndLast keeps only the first and
    last pre/post trigger pair of each incident family per session.
  - RemoveTriggerEventPostFiles drops post-trigger rows together with
    their file attachments.

If none of the configured policies frees enough, the oldest slice of the
table is purged FIFO. Rows eligible for stream upload are never touched by
any policy; they leave the store only through publish and acknowledgment.
Every pass emits a GranularityReduction summary event so the cloud can see
what was lost.
*/
package reducer
