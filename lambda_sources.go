package main

import "github.com/lithammer/dedent"

// Inline handler sources, used when no code artifact is configured. They
// only depend on the Python standard library so no layer is needed.

var _lambdaCommonSource = dedent.Dedent(`
	import json
	import os
	import urllib.request

	MINDSDB_URL = os.environ["MINDSDB_URL"]
	CORS_ORIGINS = [o for o in os.environ.get("CORS_ORIGINS", "*").split(",") if o]


	def allowed_origin(event):
	    if "*" in CORS_ORIGINS:
	        return "*"
	    headers = {k.lower(): v for k, v in ((event or {}).get("headers") or {}).items()}
	    origin = headers.get("origin", "")
	    return origin if origin in CORS_ORIGINS else None


	def respond(status, body, event=None):
	    headers = {"Content-Type": "application/json", "Vary": "Origin"}
	    origin = allowed_origin(event)
	    if origin:
	        headers["Access-Control-Allow-Origin"] = origin
	    return {
	        "statusCode": status,
	        "headers": headers,
	        "body": json.dumps(body),
	    }


	def mindsdb(path, payload=None, timeout=10):
	    data = None if payload is None else json.dumps(payload).encode()
	    req = urllib.request.Request(
	        MINDSDB_URL + path,
	        data=data,
	        method="GET" if payload is None else "POST",
	        headers={"Content-Type": "application/json"},
	    )
	    with urllib.request.urlopen(req, timeout=timeout) as resp:
	        return json.loads(resp.read() or b"null")
`)

var _lambdaSources = map[string]string{
	"health": dedent.Dedent(`
		import os
		from common import MINDSDB_URL, respond, mindsdb


		def handler(event, context):
		    try:
		        mindsdb(os.environ.get("MINDSDB_HEALTH_PATH", "/api/status"), timeout=3)
		        backend = "ok"
		    except Exception:
		        backend = "unreachable"
		    status = 200 if backend == "ok" else 503
		    return respond(status, {"status": backend, "env": os.environ["RAG_ENV"]}, event)
	`),

	"sessions": dedent.Dedent(`
		import os
		import re
		from common import respond, mindsdb

		SESSION_ID = re.compile(r"^[A-Za-z0-9-]{1,64}$")


		def handler(event, context):
		    session_id = (event.get("pathParameters") or {}).get("id", "")
		    if not SESSION_ID.match(session_id):
		        return respond(400, {"error": "invalid session id"}, event)
		    query = "SELECT * FROM %s.chat_sessions WHERE id = '%s' LIMIT 1" % (
		        os.environ["MINDSDB_PROJECT"],
		        session_id,
		    )
		    try:
		        result = mindsdb("/api/sql/query", {"query": query})
		    except Exception as exc:
		        return respond(502, {"error": str(exc)}, event)
		    rows = result.get("data") or []
		    if not rows:
		        return respond(404, {"error": "session not found"}, event)
		    columns = [c for c in result.get("column_names", [])]
		    return respond(200, dict(zip(columns, rows[0])), event)
	`),

	"checkout": dedent.Dedent(`
		import json
		import os
		import urllib.request
		import uuid
		from common import respond


		def handler(event, context):
		    try:
		        body = json.loads(event.get("body") or "{}")
		    except ValueError:
		        return respond(400, {"error": "body must be json"}, event)
		    if not body.get("plan") or not body.get("email"):
		        return respond(400, {"error": "plan and email are required"}, event)
		    checkout_id = str(uuid.uuid4())
		    webhook = os.environ.get("CHECKOUT_WEBHOOK_URL")
		    if webhook:
		        req = urllib.request.Request(
		            webhook,
		            data=json.dumps(dict(body, checkout_id=checkout_id)).encode(),
		            headers={"Content-Type": "application/json"},
		        )
		        urllib.request.urlopen(req, timeout=5).close()
		    return respond(202, {"checkout_id": checkout_id, "status": "pending"}, event)
	`),

	"knowledge": dedent.Dedent(`
		import json
		import os
		from common import mindsdb


		def handler(event, context):
		    params = {p["name"]: p["value"] for p in event.get("parameters", [])}
		    question = params.get("question", "")
		    path = "/api/projects/%s/agents/%s/completions" % (
		        os.environ["MINDSDB_PROJECT"],
		        os.environ["MINDSDB_AGENT"],
		    )
		    try:
		        answer = mindsdb(path, {"messages": [{"question": question, "answer": None}]}, timeout=25)
		        status = 200
		    except Exception as exc:
		        answer = {"error": str(exc)}
		        status = 502
		    return {
		        "messageVersion": "1.0",
		        "response": {
		            "actionGroup": event.get("actionGroup"),
		            "apiPath": event.get("apiPath"),
		            "httpMethod": event.get("httpMethod"),
		            "httpStatusCode": status,
		            "responseBody": {"application/json": {"body": json.dumps(answer)}},
		        },
		    }
	`),
}
