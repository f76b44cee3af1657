// Package cli implements the tollbooth-admin command-line tool.
//
// Most commands talk to a running server over HTTP:
//
//	tollbooth-admin publish --manifest motor.yaml --payload motor.tar.gz
//	tollbooth-admin resolve motor@1.0.0 'sensor@[2.0.0,2.9.9]' --query lidar
//	tollbooth-admin balance show sub_123
//	tollbooth-admin summarize sub_123 --from 2026-03-01 --to 2026-04-01
//
// balance reset needs direct database access because the API has no reset
// route; it opens storage from --storage-type and --postgres-url:
//
//	tollbooth-admin balance reset sub_123 --catalog plans.yaml --postgres-url ...
package cli
