// Package plans answers "what may this subscriber do": monthly allowance,
// whether on-demand overage is permitted, and the overage caps.
//
// Plan definitions live in a YAML Catalog that is reloaded when the file
// changes. Which plan a subscriber is on lives in an Assignments store kept
// current by the subscription webhook. Directory joins the two and
// implements Source for the commerce engine.
//
// Example catalog:
//
//	default_plan: free
//	fallback_plan: free
//	plans:
//	  - id: free
//	    monthly_allowance: "5.00"
//	    on_demand_allowed: false
//	  - id: pro
//	    monthly_allowance: "20.00"
//	    on_demand_allowed: true
//	    on_demand_default_cap: "50.00"
//	    on_demand_limit: "200.00"
package plans
