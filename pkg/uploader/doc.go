/*
Package uploader implements the MQTT store-and-forward upload loop.

Two workers share one broker connection. The alert worker wakes on alert
inserts and publishes up to twenty pending alerts per batch, retrying up
to ten times with one-second spacing; failures are categorized as
no_connection, publish_error or data_not_available. The event worker runs
on a configurable period and publishes topiced rows one at a time (to
topics reconstructed as <prefix><deviceID>/<suffix from "2c/">) followed
by bulk arrays of non-topiced stream rows, ordered by timestamp then
rowid.

A publish stamps the affected rows with the broker message id and records
mid → table in a side registry; the broker ack deletes the registered
rows. On restart any row still carrying a message id is reset to pending —
an ack that never arrived means the publish must be repeated. Payloads are
gzip-compressed by default; a compression failure aborts that publish and
the rows go out on the next cycle. During granularity reduction and
shutdown the workers park between batches.
*/
package uploader
