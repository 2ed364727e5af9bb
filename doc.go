/*
Package ddns keeps Cloudflare DNS "A" records pointed at the host's current
public IPv4 address.

Usage will always start with [ddns.New],
which returns a *Client configured for one or more records.
New requires at least one [Record] and a Cloudflare API token supplied with
[UsingCloudflare].
Additional client configuration options are listed in the docs for New.

A Client polls on a fixed interval:
each cycle it detects the public IP once,
then reconciles every configured record against it concurrently,
updating only the records whose published address differs.
*/
package ddns
